package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/pkg/metrics"
	"github.com/autopeer-io/carlogger/internal/pkg/timebase"
	"github.com/autopeer-io/carlogger/internal/recorder/activity"
	"github.com/autopeer-io/carlogger/internal/recorder/archive"
	"github.com/autopeer-io/carlogger/internal/recorder/driver"
	"github.com/autopeer-io/carlogger/internal/recorder/geofence"
	"github.com/autopeer-io/carlogger/internal/recorder/hal"
	"github.com/autopeer-io/carlogger/internal/recorder/pipeline"
	"github.com/autopeer-io/carlogger/internal/recorder/position"
	"github.com/autopeer-io/carlogger/internal/recorder/segment"
	"github.com/autopeer-io/carlogger/internal/recorder/server"
	httpserver "github.com/autopeer-io/carlogger/internal/recorder/server/http"
	mqttserver "github.com/autopeer-io/carlogger/internal/recorder/server/mqtt"
	"github.com/autopeer-io/carlogger/internal/recorder/trigger"
	"github.com/autopeer-io/carlogger/pkg/log"
	pkgmqtt "github.com/autopeer-io/carlogger/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/carlogger/pkg/mqtt/topic"
	"github.com/autopeer-io/carlogger/pkg/options"
)

// Position source kinds.
const (
	PositionNone   = "none"
	PositionMQTT   = "mqtt"
	PositionStatic = "static"
)

const lockFile = ".recorder.lock"

// BusConfig is one recorded bus.
type BusConfig struct {
	// URI selects the driver, e.g. socketcan://can0.
	URI string
	// QuietThreshold overrides the default when positive.
	QuietThreshold time.Duration
}

// SegmentConfig tunes the segment writers.
type SegmentConfig struct {
	Dir           string
	Codec         string
	Compression   string
	MaxBytes      int64
	MaxDuration   time.Duration
	MaxFrames     uint64
	BufferSize    int
	BacklogFrames int
	FlushInterval time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

// TriggerConfig tunes the shutdown trigger.
type TriggerConfig struct {
	Enabled          bool
	Target           geofence.Point
	Radius           float64
	Staleness        time.Duration
	Hold             time.Duration
	FireDelay        time.Duration
	QuietThreshold   time.Duration
	Buses            []string
	MarkerPath       string
	Interval         time.Duration
	DryRun           bool
	RequireDeparture bool
	RemoveOnExit     bool
	Notify           bool
}

// PositionConfig selects the position source.
type PositionConfig struct {
	Source   string
	Lat, Lon float64
	Interval time.Duration
}

type Config struct {
	VehicleID string

	Buses          []BusConfig
	QuietThreshold time.Duration
	// QuietOverrides maps a bus name to its own quiet threshold. A
	// BusConfig threshold takes precedence.
	QuietOverrides map[string]time.Duration
	QueueSize      int
	TickInterval   time.Duration
	DownAfter      int
	ReconnectCap   time.Duration
	BusyLEDPin     int

	Segment  SegmentConfig
	Trigger  TriggerConfig
	Position PositionConfig

	HttpOptions *options.HttpOptions
	MqttOptions *options.MqttOptions
	S3Options   *options.S3Options

	// Clock is the time source; tests inject a fake.
	Clock clock.WithTicker
}

// NewRecorder builds every component. Nothing runs until Recorder.Run.
func (cfg *Config) NewRecorder() (r *Recorder, err error) {
	if cfg.VehicleID == "" {
		return nil, errors.New("vehicle id must not be empty")
	}
	if len(cfg.Buses) == 0 {
		return nil, errors.New("at least one bus must be configured")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	dir := cfg.Segment.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("segment directory %s is in use by another recorder", dir)
	}

	r = &Recorder{
		cfg:  cfg,
		lock: lock,
		tb:   timebase.New(cfg.Clock),
	}
	defer func() {
		if err != nil {
			r.release()
		}
	}()

	report, err := segment.Recover(dir)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", dir, err)
	}
	if n := len(report.Completed) + len(report.Partial) + len(report.Removed); n > 0 {
		log.Warn("Recovered segments left by an unclean exit", "completed", len(report.Completed),
			"partial", report.Partial, "removedTemp", len(report.Removed))
	}
	seq, err := segment.LoadSequencer(dir)
	if err != nil {
		return nil, err
	}

	drivers := make([]driver.Driver, 0, len(cfg.Buses))
	detectorOpts := []activity.Option{}
	names := make([]string, 0, len(cfg.Buses))
	seen := map[string]bool{}
	for _, b := range cfg.Buses {
		d, err := driver.Open(b.URI, cfg.Clock)
		if err != nil {
			return nil, err
		}
		if !segment.ValidBusName(d.Bus()) {
			return nil, fmt.Errorf("bus %q from %s cannot be used in segment names", d.Bus(), b.URI)
		}
		if seen[d.Bus()] {
			return nil, fmt.Errorf("bus %q is configured twice", d.Bus())
		}
		seen[d.Bus()] = true
		threshold := b.QuietThreshold
		if threshold <= 0 {
			threshold = cfg.QuietOverrides[d.Bus()]
		}
		if threshold > 0 {
			detectorOpts = append(detectorOpts, activity.WithThreshold(d.Bus(), threshold))
		}
		drivers = append(drivers, d)
		names = append(names, d.Bus())
	}
	detectorOpts = append(detectorOpts, activity.WithBuses(names...))
	r.detector = activity.NewDetector(r.tb.Now().Mono, cfg.QuietThreshold, detectorOpts...)

	if err := cfg.initArchive(r); err != nil {
		return nil, err
	}

	led, err := hal.Open(cfg.BusyLEDPin)
	if err != nil {
		return nil, fmt.Errorf("open busy led: %w", err)
	}
	r.led = hal.NewShared(led)

	codec, err := segment.CodecByName(cfg.Segment.Codec)
	if err != nil {
		return nil, err
	}
	compression, err := segment.ParseCompression(cfg.Segment.Compression)
	if err != nil {
		return nil, err
	}
	var sealed func(segment.Info)
	if r.uploader != nil {
		sealed = r.uploader.Enqueue
	}

	reconnect := pipeline.DefaultReconnect()
	if cfg.ReconnectCap > 0 {
		reconnect.Cap = cfg.ReconnectCap
	}
	for _, d := range drivers {
		w, err := segment.NewWriter(segment.Config{
			Dir:           dir,
			Bus:           d.Bus(),
			Codec:         codec,
			Compression:   compression,
			MaxBytes:      cfg.Segment.MaxBytes,
			MaxDuration:   cfg.Segment.MaxDuration,
			MaxFrames:     cfg.Segment.MaxFrames,
			BufferSize:    cfg.Segment.BufferSize,
			BacklogFrames: cfg.Segment.BacklogFrames,
			Retry:         cfg.Segment.retry(),
			Sequencer:     seq,
			Clock:         cfg.Clock,
			Indicator:     r.led.Handle(),
			Sealed:        sealed,
		})
		if err != nil {
			return nil, err
		}
		p, err := pipeline.New(pipeline.Config{
			Driver:        d,
			Detector:      r.detector,
			Writer:        w,
			Time:          r.tb,
			Clock:         cfg.Clock,
			QueueSize:     cfg.QueueSize,
			TickInterval:  cfg.TickInterval,
			FlushInterval: cfg.Segment.FlushInterval,
			Reconnect:     reconnect,
			DownAfter:     cfg.DownAfter,
		})
		if err != nil {
			return nil, err
		}
		r.pipelines = append(r.pipelines, p)
	}

	// A missing option group is treated as disabled.
	mqttOpts := cfg.MqttOptions
	if mqttOpts == nil {
		mqttOpts = options.NewMqttOptions()
	}
	topics := mqtttopic.NewBuilder(mqttOpts.TopicRoot)
	if cfg.MqttOptions != nil && cfg.MqttOptions.Enabled {
		if r.mqtt, err = cfg.initMqttClient(topics); err != nil {
			return nil, err
		}
	}
	if err := cfg.initPosition(r, topics); err != nil {
		return nil, err
	}
	if err := cfg.initTrigger(r, topics); err != nil {
		return nil, err
	}

	var servers []server.Server
	if cfg.HttpOptions != nil && cfg.HttpOptions.Enabled {
		r.http = httpserver.NewServer(cfg.HttpOptions, metrics.Registry, func() any { return r.Status() }, r.Ready)
		servers = append(servers, r.http)
	}
	if r.mqtt != nil {
		servers = append(servers, mqttserver.NewServer(r.mqtt, topics, cfg.VehicleID))
	}
	r.servers = server.NewManager(servers...)

	return r, nil
}

func (s SegmentConfig) retry() wait.Backoff {
	b := segment.DefaultRetry()
	if s.MaxRetries > 0 {
		b.Steps = s.MaxRetries
	}
	if s.RetryBase > 0 {
		b.Duration = s.RetryBase
	}
	if s.RetryCap > 0 {
		b.Cap = s.RetryCap
	}
	return b
}

func (cfg *Config) initMqttClient(topics *mqtttopic.Builder) (pkgmqtt.Client, error) {
	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("cpeer-recorder-%s", cfg.VehicleID)
	}

	mqttConfig.WillTopic, mqttConfig.WillPayload = mqttserver.Will(topics, cfg.VehicleID)
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true

	client, err := pkgmqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to init mqtt client: %w", err)
	}
	return client, nil
}

func (cfg *Config) initPosition(r *Recorder, topics *mqtttopic.Builder) error {
	r.positions = position.NewStore(r.tb)

	switch cfg.Position.Source {
	case PositionNone, "":
	case PositionMQTT:
		if r.mqtt == nil {
			return errors.New("the mqtt position source needs mqtt.enabled")
		}
		r.source = position.NewMQTT(r.mqtt, topics, cfg.VehicleID)
	case PositionStatic:
		r.source = position.Static{
			Lat:      cfg.Position.Lat,
			Lon:      cfg.Position.Lon,
			Interval: cfg.Position.Interval,
			Clock:    cfg.Clock,
		}
	default:
		return fmt.Errorf("unknown position source %q", cfg.Position.Source)
	}
	return nil
}

func (cfg *Config) initTrigger(r *Recorder, topics *mqtttopic.Builder) error {
	tc := cfg.Trigger
	if !tc.Enabled {
		return nil
	}
	if r.source == nil {
		log.Warn("Shutdown trigger has no position source; the geofence will stay unknown")
	}

	known := map[string]bool{}
	for _, b := range r.detector.Buses() {
		known[b] = true
	}
	for _, b := range tc.Buses {
		if !known[b] {
			return fmt.Errorf("trigger watches bus %q which is not recorded", b)
		}
	}

	fence, err := geofence.New(tc.Target, tc.Radius, tc.Staleness)
	if err != nil {
		return err
	}

	var marker trigger.Marker
	if !tc.DryRun {
		if marker, err = trigger.NewFileMarker(tc.MarkerPath); err != nil {
			return err
		}
	}

	var notifier trigger.Notifier
	if tc.Notify && r.mqtt != nil {
		notifier = trigger.NewMQTTNotifier(r.mqtt, topics, cfg.VehicleID)
	}

	quiet := tc.QuietThreshold
	if quiet <= 0 {
		quiet = cfg.QuietThreshold
	}
	r.trigger, err = trigger.New(trigger.Config{
		Fence:            fence,
		Activity:         r.detector,
		Position:         r.positions,
		Marker:           marker,
		Notifier:         notifier,
		Buses:            tc.Buses,
		QuietThreshold:   quiet,
		Hold:             tc.Hold,
		FireDelay:        tc.FireDelay,
		RequireDeparture: tc.RequireDeparture,
		DryRun:           tc.DryRun,
		RemoveOnExit:     tc.RemoveOnExit,
		VehicleID:        cfg.VehicleID,
		Logger:           log.Logr(),
	})
	return err
}

func (cfg *Config) initArchive(r *Recorder) error {
	s3 := cfg.S3Options
	if s3 == nil || !s3.Enabled {
		return nil
	}
	store, err := archive.NewMinIO(s3)
	if err != nil {
		return err
	}
	r.bucket = func(ctx context.Context) error { return store.CheckBucket(ctx, s3.Region) }
	r.uploader, err = archive.NewUploader(archive.Config{
		Store:             store,
		Dir:               cfg.Segment.Dir,
		VehicleID:         cfg.VehicleID,
		Prefix:            s3.Prefix,
		DeleteAfterUpload: s3.DeleteAfterUpload,
		Retry:             wait.Backoff{Duration: s3.RetryInterval, Factor: 2, Jitter: 0.1, Steps: 1 << 30, Cap: 16 * s3.RetryInterval},
		Clock:             cfg.Clock,
	})
	return err
}
