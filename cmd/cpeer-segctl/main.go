package main

import (
	"github.com/autopeer-io/carlogger/cmd/cpeer-segctl/app"
)

func main() {
	app.NewApp().Run()
}
