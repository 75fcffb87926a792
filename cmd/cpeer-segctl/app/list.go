package app

import (
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/carlogger/internal/recorder/segment"
)

func newListCommand() *cobra.Command {
	var bus string
	cmd := &cobra.Command{
		Use:   "list DIR",
		Short: "List the segments in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := segment.List(args[0])
			if err != nil {
				return err
			}

			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("SEQ", "BUS", "STATUS", "START", "DURATION", "FRAMES", "SIZE", "REASON")
			for _, info := range infos {
				if bus != "" && info.Bus != bus {
					continue
				}
				table.AddRow(info.Seq, info.Bus, info.Status, info.Start.Wall.UTC().Format(time.RFC3339),
					duration(info), frames(info), info.StoredBytes, info.Reason)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().StringVar(&bus, "bus", "", "Only show segments of this bus.")
	return cmd
}

func duration(info segment.Info) string {
	if info.Status != segment.StatusSealed || info.End.IsZero() {
		return "-"
	}
	return info.End.Wall.Sub(info.Start.Wall).Round(time.Millisecond).String()
}

func frames(info segment.Info) string {
	if info.Status != segment.StatusSealed {
		return "-"
	}
	return fmt.Sprint(info.Frames)
}
