package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/carlogger/internal/recorder"
	"github.com/autopeer-io/carlogger/pkg/options"
)

// PositionOptions select where vehicle fixes come from.
type PositionOptions struct {
	Source    string        `json:"source" mapstructure:"source"`
	Latitude  float64       `json:"lat" mapstructure:"lat"`
	Longitude float64       `json:"lon" mapstructure:"lon"`
	Interval  time.Duration `json:"interval" mapstructure:"interval"`
}

var _ options.IOptions = (*PositionOptions)(nil)

func NewPositionOptions() *PositionOptions {
	return &PositionOptions{
		Source:   recorder.PositionNone,
		Interval: 10 * time.Second,
	}
}

func (o *PositionOptions) Validate() []error {
	switch o.Source {
	case recorder.PositionNone, recorder.PositionMQTT:
		return nil
	case recorder.PositionStatic:
		if o.Interval <= 0 {
			return []error{fmt.Errorf("position.interval must be positive")}
		}
		return nil
	default:
		return []error{fmt.Errorf("position.source %q is not one of none, mqtt, static", o.Source)}
	}
}

func (o *PositionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Source, flagName("position", prefixes, "source"), o.Source,
		"Where vehicle fixes come from: none, mqtt or static.")
	fs.Float64Var(&o.Latitude, flagName("position", prefixes, "lat"), o.Latitude, "Latitude for the static source.")
	fs.Float64Var(&o.Longitude, flagName("position", prefixes, "lon"), o.Longitude, "Longitude for the static source.")
	fs.DurationVar(&o.Interval, flagName("position", prefixes, "interval"), o.Interval,
		"How often the static source republishes its fix.")
}
