package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/carlogger/cmd/cpeer-recorder/app"
)

func main() {
	app.NewApp().Run()
}
