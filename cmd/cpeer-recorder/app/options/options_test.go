package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/carlogger/internal/recorder"
)

func parse(t *testing.T, opts *RecorderOptions, args ...string) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	for _, f := range opts.Flags().FlagSets {
		fs.AddFlagSet(f)
	}
	require.NoError(t, fs.Parse(args))
}

func TestDefaultsFollowDepotDeployment(t *testing.T) {
	opts := NewRecorderOptions()
	opts.VehicleID = "veh-1"
	require.NoError(t, opts.Complete())
	require.NoError(t, opts.Validate())

	cfg, err := opts.Config()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.QuietThreshold)
	assert.Equal(t, uint64(16777216), cfg.Segment.MaxFrames)
	assert.Equal(t, 1<<20, cfg.Segment.BufferSize)
	assert.Equal(t, 15*time.Minute, cfg.Trigger.FireDelay)
	assert.Equal(t, "/tmp/shutdownat", cfg.Trigger.MarkerPath)
	assert.False(t, cfg.Trigger.Enabled)
	assert.False(t, cfg.Trigger.RequireDeparture, "a vehicle parked in the depot at startup must still be able to fire")
	assert.True(t, cfg.Trigger.RemoveOnExit)
	assert.Equal(t, []recorder.BusConfig{{URI: "socketcan://can0"}}, cfg.Buses)
}

func TestFlagsReachConfig(t *testing.T) {
	opts := NewRecorderOptions()
	parse(t, opts,
		"--vehicle-id=bus-42",
		"--bus.uris=socketcan://can0,body=socketcan://can1",
		"--bus.quiet-overrides=body=45s",
		"--segment.compression=zstd",
		"--trigger.enabled",
		"--trigger.lat=52.52",
		"--trigger.lon=13.405",
		"--trigger.buses=can0",
		"--trigger.require-departure",
		"--position.source=static",
	)
	require.NoError(t, opts.Complete())
	require.NoError(t, opts.Validate())

	cfg, err := opts.Config()
	require.NoError(t, err)
	assert.Equal(t, "bus-42", cfg.VehicleID)
	assert.Len(t, cfg.Buses, 2)
	assert.Equal(t, 45*time.Second, cfg.QuietOverrides["body"])
	assert.Equal(t, "zstd", cfg.Segment.Compression)
	assert.True(t, cfg.Trigger.Enabled)
	assert.InDelta(t, 52.52, cfg.Trigger.Target.Lat, 1e-9)
	assert.Equal(t, []string{"can0"}, cfg.Trigger.Buses)
	assert.True(t, cfg.Trigger.RequireDeparture)
	assert.Equal(t, recorder.PositionStatic, cfg.Position.Source)
}

func TestCompleteDefaultsVehicleID(t *testing.T) {
	opts := NewRecorderOptions()
	require.NoError(t, opts.Complete())
	assert.NotEmpty(t, opts.VehicleID)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no buses", []string{"--bus.uris="}},
		{"unknown scheme", []string{"--bus.uris=serial://ttyS0"}},
		{"zero quiet", []string{"--bus.quiet-threshold=0s"}},
		{"bad codec", []string{"--segment.codec=json"}},
		{"bad compression", []string{"--segment.compression=gzip"}},
		{"radius", []string{"--trigger.enabled", "--trigger.radius=0"}},
		{"latitude", []string{"--trigger.enabled", "--trigger.lat=91"}},
		{"marker", []string{"--trigger.enabled", "--trigger.marker="}},
		{"position source", []string{"--position.source=gps"}},
		{"mqtt position without broker", []string{"--position.source=mqtt"}},
		{"topic characters", []string{"--vehicle-id=a/b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewRecorderOptions()
			opts.VehicleID = "veh-1"
			parse(t, opts, tt.args...)
			require.NoError(t, opts.Complete())
			assert.Error(t, opts.Validate())
		})
	}
}

func TestBadOverrideFailsComplete(t *testing.T) {
	opts := NewRecorderOptions()
	opts.VehicleID = "veh-1"
	parse(t, opts, "--bus.quiet-overrides=can0=soon")
	assert.Error(t, opts.Complete())
}

func TestDryRunNeedsNoMarker(t *testing.T) {
	opts := NewRecorderOptions()
	opts.VehicleID = "veh-1"
	parse(t, opts, "--trigger.enabled", "--trigger.marker=", "--trigger.dry-run")
	require.NoError(t, opts.Complete())
	assert.NoError(t, opts.Validate())
}
