package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/carlogger/cmd/cpeer-recorder/app/options"
	"github.com/autopeer-io/carlogger/pkg/app"
)

const (
	commandName = "cpeer-recorder"
	commandDesc = `The cpeer-recorder records every configured CAN bus into sealed,
activity-aligned segment files and, when the vehicle has been parked and
quiet inside its depot geofence long enough, schedules a shutdown for the
power management service. Send SIGHUP to seal all open segments.`
)

func NewApp() *app.App {
	opts := options.NewRecorderOptions()
	application := app.NewApp(
		commandName,
		"Launch the in-vehicle CAN recorder",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithWatchConfig(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.RecorderOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		recorder, err := cfg.NewRecorder()
		if err != nil {
			return fmt.Errorf("failed to create recorder: %w", err)
		}

		return recorder.Run(ctx)
	}
}
