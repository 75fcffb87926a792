package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

// ErrTornTail reports a record cut short at the end of a file. It is
// expected on partial segments and means corruption on sealed ones.
var ErrTornTail = errors.New("torn record at end of segment")

// Codec encodes frames into a segment's record stream.
type Codec interface {
	Name() string
	// Ext is the file extension including the leading dot.
	Ext() string
	// Append appends the encoded record of f to dst.
	Append(dst []byte, f can.Frame) ([]byte, error)
	// NewDecoder reads records from r. Decoded frames are filed under bus
	// unless the record names its own.
	NewDecoder(r io.Reader, bus string) Decoder
}

// Decoder yields frames until io.EOF.
type Decoder interface {
	Decode() (can.Frame, error)
}

const (
	CodecCBOR    = "cbor"
	CodecCandump = "candump"
)

// CodecByName resolves a configured codec name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case CodecCBOR, "":
		return cborCodec{}, nil
	case CodecCandump:
		return candumpCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown record codec %q", name)
	}
}

func codecByExt(ext string) (Codec, error) {
	for _, c := range []Codec{cborCodec{}, candumpCodec{}} {
		if c.Ext() == ext {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown segment extension %q", ext)
}

// record is the CBOR form of a frame. Bus is implied by the segment.
type record struct {
	_     struct{} `cbor:",toarray"`
	Mono  int64
	Wall  int64
	ID    uint32
	Flags uint8
	Len   uint8
	Data  []byte
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("segment: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("segment: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return CodecCBOR }
func (cborCodec) Ext() string  { return ".cbor" }

func (cborCodec) Append(dst []byte, f can.Frame) ([]byte, error) {
	rec := record{
		Mono:  int64(f.Time.Mono),
		ID:    f.ID,
		Flags: uint8(f.Flags),
		Len:   f.Len,
		Data:  f.Data,
	}
	if !f.Time.Wall.IsZero() {
		rec.Wall = f.Time.Wall.UnixNano()
	}
	b, err := encMode.Marshal(rec)
	if err != nil {
		return dst, fmt.Errorf("encode frame: %w", err)
	}
	return append(dst, b...), nil
}

func (cborCodec) NewDecoder(r io.Reader, bus string) Decoder {
	return &cborDecoder{dec: decMode.NewDecoder(r), bus: bus}
}

type cborDecoder struct {
	dec *cbor.Decoder
	bus string
}

func (d *cborDecoder) Decode() (can.Frame, error) {
	var rec record
	if err := d.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return can.Frame{}, ErrTornTail
		}
		return can.Frame{}, err
	}
	f := can.Frame{
		Bus:   d.bus,
		Time:  can.Timestamp{Mono: time.Duration(rec.Mono)},
		ID:    rec.ID,
		Flags: can.Flags(rec.Flags),
		Len:   rec.Len,
		Data:  rec.Data,
	}
	if rec.Wall != 0 {
		f.Time.Wall = time.Unix(0, rec.Wall).UTC()
	}
	return f, nil
}

// candumpCodec stores can-utils log lines. Only the wall clock survives;
// decoded frames have a zero monotonic component.
type candumpCodec struct{}

func (candumpCodec) Name() string { return CodecCandump }
func (candumpCodec) Ext() string  { return ".log" }

func (candumpCodec) Append(dst []byte, f can.Frame) ([]byte, error) {
	return can.AppendCandump(dst, f), nil
}

func (candumpCodec) NewDecoder(r io.Reader, bus string) Decoder {
	return &candumpDecoder{r: bufio.NewReader(r), bus: bus}
}

type candumpDecoder struct {
	r   *bufio.Reader
	bus string
}

func (d *candumpDecoder) Decode() (can.Frame, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line != "" {
				return can.Frame{}, ErrTornTail
			}
			return can.Frame{}, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f, err := can.ParseCandump(line)
		if err != nil {
			return can.Frame{}, err
		}
		if f.Bus == "" {
			f.Bus = d.bus
		}
		return f, nil
	}
}
