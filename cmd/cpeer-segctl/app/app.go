package app

import (
	"github.com/autopeer-io/carlogger/pkg/app"
)

const commandDesc = `cpeer-segctl inspects the segment directory written by cpeer-recorder:
list segments, print their frames as candump text, check a directory for
sequence gaps and metadata mismatches, and show a pending shutdown marker.`

func NewApp() *app.App {
	return app.NewApp(
		"cpeer-segctl",
		"Inspect recorded CAN segments",
		app.WithDescription(commandDesc),
		app.WithNoConfig(),
		app.WithSilence(),
		app.WithCommands(
			newListCommand(),
			newCatCommand(),
			newVerifyCommand(),
			newMarkerCommand(),
		),
	)
}
