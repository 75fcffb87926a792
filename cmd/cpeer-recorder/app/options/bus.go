package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/recorder/driver"
	"github.com/autopeer-io/carlogger/pkg/options"
)

// BusOptions lists the recorded buses and how their liveness is judged.
type BusOptions struct {
	URIs           []string          `json:"uris" mapstructure:"uris"`
	QuietThreshold time.Duration     `json:"quiet-threshold" mapstructure:"quiet-threshold"`
	QuietOverrides map[string]string `json:"quiet-overrides" mapstructure:"quiet-overrides"`
	QueueSize      int               `json:"queue-size" mapstructure:"queue-size"`
	TickInterval   time.Duration     `json:"tick-interval" mapstructure:"tick-interval"`
	DownAfter      int               `json:"down-after" mapstructure:"down-after"`
	ReconnectCap   time.Duration     `json:"reconnect-cap" mapstructure:"reconnect-cap"`

	overrides map[string]time.Duration
}

var _ options.IOptions = (*BusOptions)(nil)

func NewBusOptions() *BusOptions {
	return &BusOptions{
		URIs:           []string{"socketcan://can0"},
		QuietThreshold: 15 * time.Second,
		QueueSize:      4096,
		TickInterval:   time.Second,
		DownAfter:      5,
		ReconnectCap:   30 * time.Second,
	}
}

// Complete parses the per-bus threshold overrides.
func (o *BusOptions) Complete() error {
	o.overrides = make(map[string]time.Duration, len(o.QuietOverrides))
	for bus, raw := range o.QuietOverrides {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("bus.quiet-overrides: %s: %w", bus, err)
		}
		o.overrides[bus] = d
	}
	return nil
}

func (o *BusOptions) Validate() []error {
	var errs []error
	if len(o.URIs) == 0 {
		errs = append(errs, fmt.Errorf("bus.uris must name at least one bus"))
	}
	for _, uri := range o.URIs {
		if _, err := driver.Open(uri, clock.RealClock{}); err != nil {
			errs = append(errs, err)
		}
	}
	if o.QuietThreshold <= 0 {
		errs = append(errs, fmt.Errorf("bus.quiet-threshold must be positive"))
	}
	for bus, d := range o.overrides {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("bus.quiet-overrides: %s must be positive", bus))
		}
	}
	if o.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("bus.queue-size must be positive"))
	}
	if o.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("bus.tick-interval must be positive"))
	}
	if o.DownAfter < 0 {
		errs = append(errs, fmt.Errorf("bus.down-after must not be negative"))
	}
	return errs
}

func (o *BusOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringSliceVar(&o.URIs, flagName("bus", prefixes, "uris"), o.URIs,
		"Buses to record, e.g. socketcan://can0, body=socketcan://can1 or replay:///path/drive.log?bus=can0.")
	fs.DurationVar(&o.QuietThreshold, flagName("bus", prefixes, "quiet-threshold"), o.QuietThreshold,
		"Silence after which a bus is considered quiet and its open segment is sealed.")
	fs.StringToStringVar(&o.QuietOverrides, flagName("bus", prefixes, "quiet-overrides"), o.QuietOverrides,
		"Per-bus quiet thresholds, e.g. can1=60s.")
	fs.IntVar(&o.QueueSize, flagName("bus", prefixes, "queue-size"), o.QueueSize,
		"Frames buffered between a bus reader and its segment writer.")
	fs.DurationVar(&o.TickInterval, flagName("bus", prefixes, "tick-interval"), o.TickInterval,
		"How often quiet buses are checked when no frames arrive.")
	fs.IntVar(&o.DownAfter, flagName("bus", prefixes, "down-after"), o.DownAfter,
		"Consecutive failed reconnects before a bus is reported down.")
	fs.DurationVar(&o.ReconnectCap, flagName("bus", prefixes, "reconnect-cap"), o.ReconnectCap,
		"Upper bound of the reconnect backoff.")
}
