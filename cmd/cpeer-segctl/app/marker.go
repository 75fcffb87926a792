package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/carlogger/internal/recorder/trigger"
)

func newMarkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "marker [PATH]",
		Short: "Show the scheduled shutdown time",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/tmp/shutdownat"
			if len(args) == 1 {
				path = args[0]
			}
			at, err := trigger.ReadMarker(path)
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "no shutdown scheduled")
				return nil
			}
			if err != nil {
				return err
			}

			when := "overdue by " + time.Since(at).Round(time.Second).String()
			if d := time.Until(at); d > 0 {
				when = "in " + d.Round(time.Second).String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", at.Format(time.RFC3339), when)
			return nil
		},
	}
}
