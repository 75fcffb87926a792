package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/autopeer-io/carlogger/internal/pkg/fsutil"
)

// Status is the lifecycle state of a segment file.
type Status string

const (
	StatusOpen    Status = "open"
	StatusSealed  Status = "sealed"
	StatusPartial Status = "partial"
)

const (
	timeLayout    = "20060102T150405.000000Z"
	openSuffix    = ".open"
	partialSuffix = ".partial"
	metaSuffix    = ".meta.json"
	tmpSuffix     = ".tmp"

	// sequenceFile keeps the last handed-out sequence number so numbering
	// survives segments being deleted after upload.
	sequenceFile = ".sequence"
)

var busNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidBusName reports whether bus can be embedded in a segment file name.
func ValidBusName(bus string) bool {
	return busNameRE.MatchString(bus)
}

// Name is the parsed form of a segment file name:
//
//	<seq:016d>_<bus>_<start UTC>.<codec>[.zst|.lz4]   sealed
//	<seq:016d>_<bus>_<start UTC>.<codec>.open         being written
//	<seq:016d>_<bus>_<start UTC>.<codec>.partial      abandoned after a failure
type Name struct {
	Seq         uint64
	Bus         string
	Start       time.Time
	Codec       string
	Compression Compression
	Status      Status
}

// Base is the name without status or compression suffix. The metadata
// sidecar is Base + ".meta.json".
func (n Name) Base() string {
	ext := ".bin"
	if c, err := CodecByName(n.Codec); err == nil {
		ext = c.Ext()
	}
	return fmt.Sprintf("%016d_%s_%s%s", n.Seq, n.Bus, n.Start.UTC().Format(timeLayout), ext)
}

// File is the on-disk file name for the name's status.
func (n Name) File() string {
	switch n.Status {
	case StatusOpen:
		return n.Base() + openSuffix
	case StatusPartial:
		return n.Base() + partialSuffix
	default:
		return n.Base() + n.Compression.Ext()
	}
}

// Meta is the metadata sidecar file name.
func (n Name) Meta() string {
	return n.Base() + metaSuffix
}

// ParseName parses a segment data file name. Metadata sidecars and
// temporary files are rejected.
func ParseName(file string) (Name, error) {
	if strings.HasSuffix(file, metaSuffix) || strings.HasSuffix(file, tmpSuffix) {
		return Name{}, fmt.Errorf("%q is not a segment data file", file)
	}

	n := Name{Status: StatusSealed, Compression: CompressionNone}
	rest := file
	switch {
	case strings.HasSuffix(rest, openSuffix):
		n.Status = StatusOpen
		rest = strings.TrimSuffix(rest, openSuffix)
	case strings.HasSuffix(rest, partialSuffix):
		n.Status = StatusPartial
		rest = strings.TrimSuffix(rest, partialSuffix)
	default:
		for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
			if strings.HasSuffix(rest, c.Ext()) {
				n.Compression = c
				rest = strings.TrimSuffix(rest, c.Ext())
				break
			}
		}
	}

	seq, rest, ok := strings.Cut(rest, "_")
	if !ok || len(seq) != 16 {
		return Name{}, fmt.Errorf("%q: missing sequence number", file)
	}
	var err error
	if n.Seq, err = strconv.ParseUint(seq, 10, 64); err != nil {
		return Name{}, fmt.Errorf("%q: bad sequence number: %w", file, err)
	}

	i := strings.LastIndex(rest, "_")
	if i <= 0 || len(rest)-i-1 < len(timeLayout) {
		return Name{}, fmt.Errorf("%q: missing bus or start time", file)
	}
	n.Bus = rest[:i]
	tail := rest[i+1:]
	if n.Start, err = time.Parse(timeLayout, tail[:len(timeLayout)]); err != nil {
		return Name{}, fmt.Errorf("%q: bad start time: %w", file, err)
	}
	codec, err := codecByExt(tail[len(timeLayout):])
	if err != nil {
		return Name{}, fmt.Errorf("%q: %w", file, err)
	}
	n.Codec = codec.Name()
	return n, nil
}

// Sequencer hands out directory-wide segment sequence numbers. Sequence
// order is the authoritative segment order; wall time is only a label.
type Sequencer struct {
	mu   sync.Mutex
	next uint64
	// path, when set, receives every handed-out number before it is used.
	path string
}

// NewSequencer returns an in-memory sequencer whose first number is next.
func NewSequencer(next uint64) *Sequencer {
	if next == 0 {
		next = 1
	}
	return &Sequencer{next: next}
}

// LoadSequencer resumes numbering after the highest sequence ever handed
// out in dir: the larger of the persisted high-water mark and the highest
// sequence among sealed, open and partial segments still on disk.
func LoadSequencer(dir string) (*Sequencer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var high uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, err := ParseName(e.Name()); err == nil && n.Seq > high {
			high = n.Seq
		}
	}

	path := filepath.Join(dir, sequenceFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		last, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		high = max(high, last)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	s := NewSequencer(high + 1)
	s.path = path
	return s, nil
}

// Next returns the next sequence number. A persistent sequencer records
// the number first; on failure the number is not consumed.
func (s *Sequencer) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	if s.path != "" {
		if err := fsutil.WriteFileAtomic(s.path, []byte(strconv.FormatUint(n, 10)+"\n"), 0o644); err != nil {
			return 0, fmt.Errorf("persist sequence: %w", err)
		}
	}
	s.next++
	return n, nil
}

// Peek returns the number Next would hand out.
func (s *Sequencer) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func metaPathFor(dir string, n Name) string {
	return filepath.Join(dir, n.Meta())
}
