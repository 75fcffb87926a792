package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/carlogger/pkg/options"
)

// TriggerOptions configure the depot shutdown trigger.
type TriggerOptions struct {
	Enabled          bool          `json:"enabled" mapstructure:"enabled"`
	Latitude         float64       `json:"lat" mapstructure:"lat"`
	Longitude        float64       `json:"lon" mapstructure:"lon"`
	Radius           float64       `json:"radius" mapstructure:"radius"`
	Staleness        time.Duration `json:"staleness" mapstructure:"staleness"`
	Hold             time.Duration `json:"hold" mapstructure:"hold"`
	FireDelay        time.Duration `json:"fire-delay" mapstructure:"fire-delay"`
	QuietThreshold   time.Duration `json:"quiet-threshold" mapstructure:"quiet-threshold"`
	Buses            []string      `json:"buses" mapstructure:"buses"`
	MarkerPath       string        `json:"marker" mapstructure:"marker"`
	Interval         time.Duration `json:"interval" mapstructure:"interval"`
	DryRun           bool          `json:"dry-run" mapstructure:"dry-run"`
	RequireDeparture bool          `json:"require-departure" mapstructure:"require-departure"`
	RemoveOnExit     bool          `json:"remove-on-exit" mapstructure:"remove-on-exit"`
	Notify           bool          `json:"notify" mapstructure:"notify"`
}

var _ options.IOptions = (*TriggerOptions)(nil)

func NewTriggerOptions() *TriggerOptions {
	return &TriggerOptions{
		Radius:           200,
		Staleness:        2 * time.Minute,
		Hold:             time.Minute,
		FireDelay:        15 * time.Minute,
		MarkerPath:       "/tmp/shutdownat",
		Interval:         time.Second,
		RemoveOnExit:     true,
	}
}

func (o *TriggerOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errs []error
	if o.Latitude < -90 || o.Latitude > 90 || o.Longitude < -180 || o.Longitude > 180 {
		errs = append(errs, fmt.Errorf("trigger.lat/trigger.lon (%v, %v) is not a coordinate", o.Latitude, o.Longitude))
	}
	if o.Radius <= 0 {
		errs = append(errs, fmt.Errorf("trigger.radius must be positive"))
	}
	if o.Staleness <= 0 {
		errs = append(errs, fmt.Errorf("trigger.staleness must be positive"))
	}
	if o.Hold < 0 || o.FireDelay < 0 || o.QuietThreshold < 0 {
		errs = append(errs, fmt.Errorf("trigger.hold, trigger.fire-delay and trigger.quiet-threshold must not be negative"))
	}
	if o.Interval <= 0 {
		errs = append(errs, fmt.Errorf("trigger.interval must be positive"))
	}
	if o.MarkerPath == "" && !o.DryRun {
		errs = append(errs, fmt.Errorf("trigger.marker must be set unless trigger.dry-run is on"))
	}
	return errs
}

func (o *TriggerOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, flagName("trigger", prefixes, "enabled"), o.Enabled,
		"Schedule a shutdown once the vehicle is parked and quiet inside the depot.")
	fs.Float64Var(&o.Latitude, flagName("trigger", prefixes, "lat"), o.Latitude, "Depot latitude in degrees.")
	fs.Float64Var(&o.Longitude, flagName("trigger", prefixes, "lon"), o.Longitude, "Depot longitude in degrees.")
	fs.Float64Var(&o.Radius, flagName("trigger", prefixes, "radius"), o.Radius, "Depot radius in meters.")
	fs.DurationVar(&o.Staleness, flagName("trigger", prefixes, "staleness"), o.Staleness,
		"Position fixes older than this count as unknown.")
	fs.DurationVar(&o.Hold, flagName("trigger", prefixes, "hold"), o.Hold,
		"How long conditions must hold before the shutdown is scheduled.")
	fs.DurationVar(&o.FireDelay, flagName("trigger", prefixes, "fire-delay"), o.FireDelay,
		"Delay between scheduling and the shutdown time written to the marker.")
	fs.DurationVar(&o.QuietThreshold, flagName("trigger", prefixes, "quiet-threshold"), o.QuietThreshold,
		"Bus silence required by the trigger (0 uses bus.quiet-threshold).")
	fs.StringSliceVar(&o.Buses, flagName("trigger", prefixes, "buses"), o.Buses,
		"Buses that must be quiet (empty means all).")
	fs.StringVar(&o.MarkerPath, flagName("trigger", prefixes, "marker"), o.MarkerPath,
		"File that receives the scheduled shutdown time.")
	fs.DurationVar(&o.Interval, flagName("trigger", prefixes, "interval"), o.Interval, "Evaluation period.")
	fs.BoolVar(&o.DryRun, flagName("trigger", prefixes, "dry-run"), o.DryRun,
		"Log the decision without writing the marker.")
	fs.BoolVar(&o.RequireDeparture, flagName("trigger", prefixes, "require-departure"), o.RequireDeparture,
		"Only arm after the vehicle has been seen outside the depot since startup.")
	fs.BoolVar(&o.RemoveOnExit, flagName("trigger", prefixes, "remove-on-exit"), o.RemoveOnExit,
		"Remove a marker written by this process when it exits.")
	fs.BoolVar(&o.Notify, flagName("trigger", prefixes, "notify"), o.Notify,
		"Publish the scheduled shutdown over MQTT.")
}
