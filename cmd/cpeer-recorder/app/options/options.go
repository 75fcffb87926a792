package options

import (
	"fmt"
	"os"
	"strings"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/carlogger/internal/recorder"
	"github.com/autopeer-io/carlogger/internal/recorder/geofence"
	"github.com/autopeer-io/carlogger/pkg/app"
	"github.com/autopeer-io/carlogger/pkg/log"
	"github.com/autopeer-io/carlogger/pkg/options"
)

type RecorderOptions struct {
	VehicleID   string               `json:"vehicle-id" mapstructure:"vehicle-id"`
	Bus         *BusOptions          `json:"bus" mapstructure:"bus"`
	Segment     *SegmentOptions      `json:"segment" mapstructure:"segment"`
	Trigger     *TriggerOptions      `json:"trigger" mapstructure:"trigger"`
	Position    *PositionOptions     `json:"position" mapstructure:"position"`
	HttpOptions *options.HttpOptions `json:"http" mapstructure:"http"`
	MqttOptions *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	S3Options   *options.S3Options   `json:"s3" mapstructure:"s3"`
	Log         *log.Options         `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*RecorderOptions)(nil)

func NewRecorderOptions() *RecorderOptions {
	o := &RecorderOptions{
		Bus:         NewBusOptions(),
		Segment:     NewSegmentOptions(),
		Trigger:     NewTriggerOptions(),
		Position:    NewPositionOptions(),
		HttpOptions: options.NewHttpOptions(),
		MqttOptions: options.NewMqttOptions(),
		S3Options:   options.NewS3Options(),
		Log:         log.NewOptions(),
	}

	return o
}

func (o *RecorderOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	fss.FlagSet("recorder").StringVar(&o.VehicleID, "vehicle-id", o.VehicleID,
		"Vehicle identifier used in MQTT topics and archive keys. Defaults to the host name.")
	o.Bus.AddFlags(fss.FlagSet("bus"))
	o.Segment.AddFlags(fss.FlagSet("segment"))
	o.Trigger.AddFlags(fss.FlagSet("trigger"))
	o.Position.AddFlags(fss.FlagSet("position"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *RecorderOptions) Complete() error {
	if o.VehicleID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("vehicle-id is not set and the host name is unavailable: %w", err)
		}
		o.VehicleID = host
	}
	return o.Bus.Complete()
}

func (o *RecorderOptions) Validate() error {
	errs := []error{}
	if strings.ContainsAny(o.VehicleID, "/+#") {
		errs = append(errs, fmt.Errorf("vehicle-id %q must not contain MQTT topic characters", o.VehicleID))
	}
	errs = append(errs, o.Bus.Validate()...)
	errs = append(errs, o.Segment.Validate()...)
	errs = append(errs, o.Trigger.Validate()...)
	errs = append(errs, o.Position.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	if o.MqttOptions.Enabled {
		errs = append(errs, o.MqttOptions.Validate()...)
	}
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	if o.Position.Source == recorder.PositionMQTT && !o.MqttOptions.Enabled {
		errs = append(errs, fmt.Errorf("position.source=mqtt needs mqtt.enabled"))
	}
	return utilerrors.NewAggregate(errs)
}

// LogOptions hands the log group to the application framework.
func (o *RecorderOptions) LogOptions() *log.Options { return o.Log }

func (o *RecorderOptions) Config() (*recorder.Config, error) {
	buses := make([]recorder.BusConfig, 0, len(o.Bus.URIs))
	for _, uri := range o.Bus.URIs {
		buses = append(buses, recorder.BusConfig{URI: uri})
	}

	return &recorder.Config{
		VehicleID:      o.VehicleID,
		Buses:          buses,
		QuietThreshold: o.Bus.QuietThreshold,
		QuietOverrides: o.Bus.overrides,
		QueueSize:      o.Bus.QueueSize,
		TickInterval:   o.Bus.TickInterval,
		DownAfter:      o.Bus.DownAfter,
		ReconnectCap:   o.Bus.ReconnectCap,
		BusyLEDPin:     o.Segment.BusyLEDPin,
		Segment: recorder.SegmentConfig{
			Dir:           o.Segment.Dir,
			Codec:         o.Segment.Codec,
			Compression:   o.Segment.Compression,
			MaxBytes:      o.Segment.MaxBytes,
			MaxDuration:   o.Segment.MaxDuration,
			MaxFrames:     o.Segment.MaxFrames,
			BufferSize:    o.Segment.BufferSize,
			BacklogFrames: o.Segment.BacklogFrames,
			FlushInterval: o.Segment.FlushInterval,
			MaxRetries:    o.Segment.MaxRetries,
			RetryBase:     o.Segment.RetryBase,
			RetryCap:      o.Segment.RetryCap,
		},
		Trigger: recorder.TriggerConfig{
			Enabled:          o.Trigger.Enabled,
			Target:           geofence.Point{Lat: o.Trigger.Latitude, Lon: o.Trigger.Longitude},
			Radius:           o.Trigger.Radius,
			Staleness:        o.Trigger.Staleness,
			Hold:             o.Trigger.Hold,
			FireDelay:        o.Trigger.FireDelay,
			QuietThreshold:   o.Trigger.QuietThreshold,
			Buses:            o.Trigger.Buses,
			MarkerPath:       o.Trigger.MarkerPath,
			Interval:         o.Trigger.Interval,
			DryRun:           o.Trigger.DryRun,
			RequireDeparture: o.Trigger.RequireDeparture,
			RemoveOnExit:     o.Trigger.RemoveOnExit,
			Notify:           o.Trigger.Notify,
		},
		Position: recorder.PositionConfig{
			Source:   o.Position.Source,
			Lat:      o.Position.Latitude,
			Lon:      o.Position.Longitude,
			Interval: o.Position.Interval,
		},
		HttpOptions: o.HttpOptions,
		MqttOptions: o.MqttOptions,
		S3Options:   o.S3Options,
	}, nil
}
