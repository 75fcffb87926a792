package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/autopeer-io/carlogger/internal/pkg/fsutil"
	"github.com/autopeer-io/carlogger/pkg/log"
)

// RecoveryReport lists what Recover did to a segment directory.
type RecoveryReport struct {
	// Completed holds seals interrupted after their metadata was written.
	Completed []string
	// Partial holds open segments that were set aside as partial.
	Partial []string
	// Removed holds stray temporary files.
	Removed []string
}

// Recover repairs a segment directory after an unclean stop. An open
// segment whose metadata exists finishes sealing; any other open segment
// becomes partial so it is never mistaken for a complete one. Temporary
// files are removed.
func Recover(dir string) (RecoveryReport, error) {
	var report RecoveryReport

	entries, err := os.ReadDir(dir)
	if err != nil {
		return report, fmt.Errorf("scan %s: %w", dir, err)
	}

	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, tmpSuffix) || strings.Contains(name, tmpSuffix+"-")) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Removed = append(report.Removed, name)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)

		n, err := ParseName(name)
		if err != nil || n.Status != StatusOpen {
			continue
		}

		meta, err := ReadMeta(metaPathFor(dir, n))
		switch {
		case err == nil:
			meta.Path = filepath.Join(dir, meta.Name().File())
			if _, statErr := os.Stat(meta.Path); statErr == nil {
				// Rename done, only the uncompressed input was left behind.
				err = os.Remove(path)
			} else {
				err = finishSeal(path, &meta)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("complete seal of %s: %w", name, err))
				continue
			}
			report.Completed = append(report.Completed, meta.Path)
		case errors.Is(err, os.ErrNotExist):
			partial := n
			partial.Status = StatusPartial
			if err := os.Rename(path, filepath.Join(dir, partial.File())); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Partial = append(report.Partial, partial.File())
		default:
			errs = append(errs, err)
		}
	}

	if err := fsutil.SyncDir(dir); err != nil {
		errs = append(errs, err)
	}
	if n := len(report.Completed) + len(report.Partial) + len(report.Removed); n > 0 {
		log.Info("Recovered segment directory", "dir", dir, "completed", len(report.Completed),
			"partial", len(report.Partial), "removed", len(report.Removed))
	}
	return report, errors.Join(errs...)
}
