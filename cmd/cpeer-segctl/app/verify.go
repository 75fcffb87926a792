package app

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/carlogger/internal/recorder/segment"
)

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify DIR",
		Short: "Check a segment directory for consistency",
		Long: `Check that sequence numbers are unique, that each bus's segments start
in order, that sealed segments decode completely and that their frame
counts and time ranges match the metadata sidecars.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			problems, err := verifyDir(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range problems {
				fmt.Fprintln(out, p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problem(s) found", len(problems))
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}

func verifyDir(dir string) ([]string, error) {
	infos, err := segment.List(dir)
	if err != nil {
		return nil, err
	}

	var problems []string
	seqs := map[uint64]string{}
	last := map[string]segment.Info{}
	for _, info := range infos {
		if prev, ok := seqs[info.Seq]; ok {
			problems = append(problems, fmt.Sprintf("seq %d used by %s and %s", info.Seq, prev, info.Path))
		}
		seqs[info.Seq] = info.Path

		if prev, ok := last[info.Bus]; ok && info.Start.Wall.Before(prev.Start.Wall) {
			problems = append(problems, fmt.Sprintf("%s starts before %s", info.Path, prev.Path))
		}
		last[info.Bus] = info

		problems = append(problems, verifySegment(info)...)
	}
	return problems, nil
}

func verifySegment(info segment.Info) []string {
	r, err := segment.Open(info.Path)
	if err != nil {
		return []string{fmt.Sprintf("%s: %v", info.Path, err)}
	}
	defer r.Close()

	var (
		problems []string
		n        uint64
		last     = info.Start
	)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return append(problems, fmt.Sprintf("%s: frame %d: %v", info.Path, n, err))
		}
		if usec(f.Time.Wall).Before(usec(last.Wall)) {
			problems = append(problems, fmt.Sprintf("%s: frame %d goes back in time", info.Path, n))
		}
		last = f.Time
		n++
	}

	if info.Status != segment.StatusSealed {
		return problems
	}
	if n != info.Frames {
		problems = append(problems, fmt.Sprintf("%s: %d frames, metadata says %d", info.Path, n, info.Frames))
	}
	if n > 0 && !usec(last.Wall).Equal(usec(info.End.Wall)) {
		problems = append(problems, fmt.Sprintf("%s: last frame at %s, metadata says %s",
			info.Path, last.Wall.UTC(), info.End.Wall.UTC()))
	}
	return problems
}

// usec drops what candump text cannot represent.
func usec(t time.Time) time.Time { return t.Truncate(time.Microsecond) }
