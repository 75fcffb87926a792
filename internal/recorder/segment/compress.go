package segment

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression is the seal-time compression applied to a segment.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression resolves a configured compression name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return c, nil
	case "":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// Ext is the file suffix added by the compression.
func (c Compression) Ext() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

func (c Compression) String() string {
	if c == "" {
		return string(CompressionNone)
	}
	return string(c)
}

// compressFile streams src into a new file dst and syncs it.
func compressFile(c Compression, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	var w io.WriteCloser
	switch c {
	case CompressionZstd:
		w, err = zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = out.Close()
			return 0, fmt.Errorf("zstd writer: %w", err)
		}
	case CompressionLZ4:
		w = lz4.NewWriter(out)
	default:
		_ = out.Close()
		return 0, fmt.Errorf("compression %q cannot be applied", c)
	}

	if _, err := io.Copy(w, in); err != nil {
		_ = w.Close()
		_ = out.Close()
		return 0, fmt.Errorf("compress %s: %w", src, err)
	}
	if err := w.Close(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("finish %s: %w", c, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return 0, err
	}
	st, err := out.Stat()
	if err != nil {
		_ = out.Close()
		return 0, err
	}
	return st.Size(), out.Close()
}

// decompress wraps r with the decoder for c.
func decompress(c Compression, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return io.NopCloser(r), nil
	}
}
