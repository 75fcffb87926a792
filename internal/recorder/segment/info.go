package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autopeer-io/carlogger/internal/pkg/fsutil"
	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

// Reason records why a segment was sealed.
type Reason string

const (
	ReasonActivity Reason = "activity"
	ReasonQuiet    Reason = "quiet"
	ReasonSize     Reason = "size"
	ReasonDuration Reason = "duration"
	ReasonFrames   Reason = "frames"
	ReasonShutdown Reason = "shutdown"
	ReasonSignal   Reason = "signal"
)

// Info describes one segment. For sealed segments it is also the content
// of the metadata sidecar.
type Info struct {
	Seq         uint64        `json:"seq"`
	Bus         string        `json:"bus"`
	Start       can.Timestamp `json:"start"`
	End         can.Timestamp `json:"end"`
	Frames      uint64        `json:"frames"`
	Bytes       int64         `json:"bytes"`
	StoredBytes int64         `json:"storedBytes"`
	Status      Status        `json:"status"`
	Codec       string        `json:"codec"`
	Compression Compression   `json:"compression"`
	Reason      Reason        `json:"reason,omitempty"`
	SealedAt    time.Time     `json:"sealedAt"`

	// Path is the data file location; it is not persisted.
	Path string `json:"-"`
}

// Name returns the file naming tuple of the segment.
func (i Info) Name() Name {
	return Name{
		Seq:         i.Seq,
		Bus:         i.Bus,
		Start:       i.Start.Wall,
		Codec:       i.Codec,
		Compression: i.Compression,
		Status:      i.Status,
	}
}

// MetaPath is the location of the metadata sidecar.
func (i Info) MetaPath() string {
	return metaPathFor(filepath.Dir(i.Path), i.Name())
}

func writeMeta(path string, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadMeta loads a metadata sidecar.
func ReadMeta(path string) (Info, error) {
	var info Info
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decode %s: %w", path, err)
	}
	return info, nil
}
