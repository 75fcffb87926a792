package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

// Reader iterates the frames of one segment file.
type Reader struct {
	info Info
	f    *os.File
	rc   io.ReadCloser
	dec  Decoder
	torn bool
}

// Open opens a sealed, partial or open segment for reading.
func Open(path string) (*Reader, error) {
	n, err := ParseName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	codec, err := CodecByName(n.Codec)
	if err != nil {
		return nil, err
	}

	info := infoFromName(filepath.Dir(path), n)
	if n.Status == StatusSealed {
		if meta, err := ReadMeta(info.MetaPath()); err == nil {
			meta.Path = info.Path
			info = meta
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := decompress(n.Compression, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{info: info, f: f, rc: rc, dec: codec.NewDecoder(rc, n.Bus)}, nil
}

// Info describes the segment being read.
func (r *Reader) Info() Info { return r.info }

// Torn reports whether reading stopped at a truncated trailing record.
func (r *Reader) Torn() bool { return r.torn }

// Next returns the next frame or io.EOF. A torn trailing record ends a
// partial or open segment cleanly; on a sealed segment it is an error.
func (r *Reader) Next() (can.Frame, error) {
	f, err := r.dec.Decode()
	if errors.Is(err, ErrTornTail) && r.info.Status != StatusSealed {
		r.torn = true
		return can.Frame{}, io.EOF
	}
	return f, err
}

// Close releases the file.
func (r *Reader) Close() error {
	err := r.rc.Close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadAll returns every frame of the segment at path.
func ReadAll(path string) ([]can.Frame, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var frames []can.Frame
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("%s: frame %d: %w", path, len(frames), err)
		}
		frames = append(frames, f)
	}
}

// List enumerates the segments in dir in sequence order. Sealed segments
// carry their metadata when the sidecar is readable.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := ParseName(e.Name())
		if err != nil {
			continue
		}
		info := infoFromName(dir, n)
		if n.Status == StatusSealed {
			if meta, err := ReadMeta(info.MetaPath()); err == nil {
				meta.Path = info.Path
				info = meta
			}
		}
		if st, err := e.Info(); err == nil && info.StoredBytes == 0 {
			info.StoredBytes = st.Size()
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func infoFromName(dir string, n Name) Info {
	return Info{
		Seq:         n.Seq,
		Bus:         n.Bus,
		Start:       can.Timestamp{Wall: n.Start},
		Status:      n.Status,
		Codec:       n.Codec,
		Compression: n.Compression,
		Path:        filepath.Join(dir, n.File()),
	}
}
