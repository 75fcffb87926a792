package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/carlogger/internal/recorder/segment"
	"github.com/autopeer-io/carlogger/pkg/options"
)

// SegmentOptions shape the files written for each bus.
type SegmentOptions struct {
	Dir           string        `json:"dir" mapstructure:"dir"`
	Codec         string        `json:"codec" mapstructure:"codec"`
	Compression   string        `json:"compression" mapstructure:"compression"`
	MaxBytes      int64         `json:"max-bytes" mapstructure:"max-bytes"`
	MaxDuration   time.Duration `json:"max-duration" mapstructure:"max-duration"`
	MaxFrames     uint64        `json:"max-frames" mapstructure:"max-frames"`
	BufferSize    int           `json:"buffer-size" mapstructure:"buffer-size"`
	BacklogFrames int           `json:"backlog-frames" mapstructure:"backlog-frames"`
	FlushInterval time.Duration `json:"flush-interval" mapstructure:"flush-interval"`
	MaxRetries    int           `json:"max-retries" mapstructure:"max-retries"`
	RetryBase     time.Duration `json:"retry-base" mapstructure:"retry-base"`
	RetryCap      time.Duration `json:"retry-cap" mapstructure:"retry-cap"`
	BusyLEDPin    int           `json:"busy-led-pin" mapstructure:"busy-led-pin"`
}

var _ options.IOptions = (*SegmentOptions)(nil)

func NewSegmentOptions() *SegmentOptions {
	return &SegmentOptions{
		Dir:           "/var/lib/carlogger",
		Codec:         segment.CodecCBOR,
		Compression:   string(segment.CompressionNone),
		MaxFrames:     16 * 1024 * 1024,
		BufferSize:    1024 * 1024,
		BacklogFrames: 65536,
		FlushInterval: 5 * time.Second,
		MaxRetries:    5,
		RetryBase:     100 * time.Millisecond,
		RetryCap:      10 * time.Second,
	}
}

func (o *SegmentOptions) Validate() []error {
	var errs []error
	if o.Dir == "" {
		errs = append(errs, fmt.Errorf("segment.dir must not be empty"))
	}
	if _, err := segment.CodecByName(o.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := segment.ParseCompression(o.Compression); err != nil {
		errs = append(errs, err)
	}
	if o.MaxBytes < 0 || o.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("segment.max-bytes and segment.max-duration must not be negative"))
	}
	if o.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("segment.buffer-size must be positive"))
	}
	if o.BacklogFrames < 0 || o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("segment.backlog-frames and segment.max-retries must not be negative"))
	}
	if o.RetryBase <= 0 || o.RetryCap < o.RetryBase {
		errs = append(errs, fmt.Errorf("segment.retry-base must be positive and not above segment.retry-cap"))
	}
	if o.BusyLEDPin < 0 {
		errs = append(errs, fmt.Errorf("segment.busy-led-pin must not be negative"))
	}
	return errs
}

func (o *SegmentOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Dir, flagName("segment", prefixes, "dir"), o.Dir, "Directory that holds segment files.")
	fs.StringVar(&o.Codec, flagName("segment", prefixes, "codec"), o.Codec, "Record encoding: cbor or candump.")
	fs.StringVar(&o.Compression, flagName("segment", prefixes, "compression"), o.Compression,
		"Compression applied to segment data: none, zstd or lz4.")
	fs.Int64Var(&o.MaxBytes, flagName("segment", prefixes, "max-bytes"), o.MaxBytes,
		"Seal a segment once it holds this many encoded bytes (0 disables).")
	fs.DurationVar(&o.MaxDuration, flagName("segment", prefixes, "max-duration"), o.MaxDuration,
		"Seal a segment once it spans this long (0 disables).")
	fs.Uint64Var(&o.MaxFrames, flagName("segment", prefixes, "max-frames"), o.MaxFrames,
		"Seal a segment once it holds this many frames (0 disables).")
	fs.IntVar(&o.BufferSize, flagName("segment", prefixes, "buffer-size"), o.BufferSize,
		"Write buffer size in bytes.")
	fs.IntVar(&o.BacklogFrames, flagName("segment", prefixes, "backlog-frames"), o.BacklogFrames,
		"Frames retained in memory while storage writes are failing.")
	fs.DurationVar(&o.FlushInterval, flagName("segment", prefixes, "flush-interval"), o.FlushInterval,
		"How often buffered data is flushed to disk.")
	fs.IntVar(&o.MaxRetries, flagName("segment", prefixes, "max-retries"), o.MaxRetries,
		"Storage write attempts before the writer gives up.")
	fs.DurationVar(&o.RetryBase, flagName("segment", prefixes, "retry-base"), o.RetryBase,
		"First storage retry delay.")
	fs.DurationVar(&o.RetryCap, flagName("segment", prefixes, "retry-cap"), o.RetryCap,
		"Largest storage retry delay.")
	fs.IntVar(&o.BusyLEDPin, flagName("segment", prefixes, "busy-led-pin"), o.BusyLEDPin,
		"GPIO pin lit while a segment is open (0 disables).")
}
