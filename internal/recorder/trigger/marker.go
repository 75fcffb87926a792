package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/autopeer-io/carlogger/internal/pkg/fsutil"
)

// Marker persists the scheduled shutdown time.
type Marker interface {
	Write(fireTime time.Time) error
	Remove() error
}

// FileMarker writes the fire time as decimal Unix seconds, the format the
// power management service polls for.
type FileMarker struct {
	path string
}

// NewFileMarker checks that the marker directory exists.
func NewFileMarker(path string) (*FileMarker, error) {
	if path == "" {
		return nil, fmt.Errorf("marker path is empty")
	}
	if dir := filepath.Dir(path); !fsutil.IsDir(dir) {
		return nil, fmt.Errorf("marker directory %q does not exist", dir)
	}
	return &FileMarker{path: path}, nil
}

// Path is the marker location.
func (m *FileMarker) Path() string { return m.path }

// Write replaces the marker atomically.
func (m *FileMarker) Write(fireTime time.Time) error {
	return fsutil.WriteFileAtomic(m.path, []byte(strconv.FormatInt(fireTime.Unix(), 10)), 0o644)
}

// Remove deletes the marker if present.
func (m *FileMarker) Remove() error {
	return fsutil.RemoveIfExists(m.path)
}

// ReadMarker parses a marker file.
func ReadMarker(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse marker %s: %w", path, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}
