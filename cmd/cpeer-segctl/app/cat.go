package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/carlogger/internal/pkg/fsutil"
	"github.com/autopeer-io/carlogger/internal/recorder/can"
	"github.com/autopeer-io/carlogger/internal/recorder/segment"
)

func newCatCommand() *cobra.Command {
	var bus string
	cmd := &cobra.Command{
		Use:   "cat SEGMENT|DIR...",
		Short: "Print frames as candump -l text",
		Long: `Print the frames of the given segment files as candump -l text. A
directory argument prints every segment in it in sequence order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var paths []string
			for _, arg := range args {
				if !fsutil.IsDir(arg) {
					paths = append(paths, arg)
					continue
				}
				infos, err := segment.List(arg)
				if err != nil {
					return err
				}
				for _, info := range infos {
					if bus == "" || info.Bus == bus {
						paths = append(paths, info.Path)
					}
				}
			}

			w := bufio.NewWriter(cmd.OutOrStdout())
			for _, p := range paths {
				if err := catSegment(w, cmd.ErrOrStderr(), p); err != nil {
					_ = w.Flush()
					return err
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&bus, "bus", "", "Only print segments of this bus when a directory is given.")
	return cmd
}

func catSegment(w, errw io.Writer, path string) error {
	r, err := segment.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var line []byte
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		line = can.AppendCandump(line[:0], f)
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	if r.Torn() {
		fmt.Fprintf(errw, "%s: truncated trailing record skipped\n", path)
	}
	return nil
}
