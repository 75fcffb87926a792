package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/carlogger/internal/recorder/geofence"
	"github.com/autopeer-io/carlogger/internal/recorder/segment"
	"github.com/autopeer-io/carlogger/internal/recorder/trigger"
	"github.com/autopeer-io/carlogger/pkg/options"
)

var depot = geofence.Point{Lat: 52.3676, Lon: 4.9041}

func writeLog(t *testing.T, frames int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < frames; i++ {
		fmt.Fprintf(&b, "(1700000000.%06d) can0 1%02X#DEADBEEF\n", i*1000, i)
	}
	path := filepath.Join(t.TempDir(), "drive.log")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(t *testing.T, logPath string) *Config {
	t.Helper()
	markerDir := t.TempDir()
	httpOpts := options.NewHttpOptions()
	httpOpts.Enabled = false
	return &Config{
		VehicleID:      "veh-1",
		Buses:          []BusConfig{{URI: "replay://" + logPath + "?bus=can0&speed=0"}},
		QuietThreshold: 100 * time.Millisecond,
		TickInterval:   10 * time.Millisecond,
		DownAfter:      3,
		Segment: SegmentConfig{
			Dir:           filepath.Join(t.TempDir(), "segments"),
			Codec:         segment.CodecCBOR,
			Compression:   "zstd",
			FlushInterval: 20 * time.Millisecond,
		},
		Trigger: TriggerConfig{
			Enabled:      true,
			Target:       depot,
			Radius:       50,
			Staleness:    time.Minute,
			Hold:         200 * time.Millisecond,
			FireDelay:    300 * time.Second,
			MarkerPath:   filepath.Join(markerDir, "shutdownat"),
			Interval:     20 * time.Millisecond,
			RemoveOnExit: false,
		},
		Position: PositionConfig{
			Source:   PositionStatic,
			Lat:      depot.Lat,
			Lon:      depot.Lon,
			Interval: 20 * time.Millisecond,
		},
		HttpOptions: httpOpts,
		MqttOptions: options.NewMqttOptions(),
		S3Options:   options.NewS3Options(),
	}
}

func TestRecorderRecordsAndSchedulesShutdown(t *testing.T) {
	cfg := testConfig(t, writeLog(t, 10))
	r, err := cfg.NewRecorder()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The replayed burst goes quiet, the segment is sealed, and after the
	// hold the marker is written.
	require.Eventually(t, func() bool {
		_, err := trigger.ReadMarker(cfg.Trigger.MarkerPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	st := r.Status()
	require.Len(t, st.Buses, 1)
	assert.Equal(t, uint64(10), st.Buses[0].Received)
	require.NotNil(t, st.Trigger)
	assert.Equal(t, trigger.PhaseFired, st.Trigger.Phase)
	require.NotNil(t, st.Position)
	assert.NoError(t, r.Ready())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
	}

	infos, err := segment.List(cfg.Segment.Dir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, segment.StatusSealed, infos[0].Status)
	assert.Equal(t, segment.CompressionZstd, infos[0].Compression)
	frames, err := segment.ReadAll(infos[0].Path)
	require.NoError(t, err)
	assert.Len(t, frames, 10)

	_, err = trigger.ReadMarker(cfg.Trigger.MarkerPath)
	assert.NoError(t, err, "marker stays without remove-on-exit")
}

func TestRecorderRotateSealsOpenSegment(t *testing.T) {
	cfg := testConfig(t, writeLog(t, 3))
	cfg.QuietThreshold = time.Hour
	cfg.Trigger.Enabled = false
	r, err := cfg.NewRecorder()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := r.Status()
		return st.Buses[0].Ended
	}, 5*time.Second, 10*time.Millisecond)

	r.Rotate()
	require.Eventually(t, func() bool {
		infos, err := segment.List(cfg.Segment.Dir)
		return err == nil && len(infos) == 1 && infos[0].Status == segment.StatusSealed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRecorderLocksDirectory(t *testing.T) {
	logPath := writeLog(t, 1)
	cfg := testConfig(t, logPath)
	first, err := cfg.NewRecorder()
	require.NoError(t, err)

	second := testConfig(t, logPath)
	second.Segment.Dir = cfg.Segment.Dir
	second.Trigger.MarkerPath = cfg.Trigger.MarkerPath
	_, err = second.NewRecorder()
	assert.ErrorContains(t, err, "in use")

	first.release()
	again, err := second.NewRecorder()
	require.NoError(t, err)
	again.release()
}

func TestRecorderRecoversLeftovers(t *testing.T) {
	cfg := testConfig(t, writeLog(t, 1))
	require.NoError(t, os.MkdirAll(cfg.Segment.Dir, 0o755))
	leftover := filepath.Join(cfg.Segment.Dir, "0000000000000007_can0_20260301T180000.000000Z.cbor.open")
	require.NoError(t, os.WriteFile(leftover, nil, 0o644))

	r, err := cfg.NewRecorder()
	require.NoError(t, err)
	defer r.release()

	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(strings.TrimSuffix(leftover, ".open") + ".partial")
	assert.NoError(t, err)
}

func TestNewRecorderRejectsBadConfig(t *testing.T) {
	logPath := writeLog(t, 1)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no buses", func(c *Config) { c.Buses = nil }},
		{"no vehicle", func(c *Config) { c.VehicleID = "" }},
		{"bad scheme", func(c *Config) { c.Buses = []BusConfig{{URI: "vcan://x"}} }},
		{"duplicate bus", func(c *Config) { c.Buses = append(c.Buses, c.Buses[0]) }},
		{"bad codec", func(c *Config) { c.Segment.Codec = "parquet" }},
		{"bad radius", func(c *Config) { c.Trigger.Radius = 0 }},
		{"unknown watched bus", func(c *Config) { c.Trigger.Buses = []string{"can9"} }},
		{"mqtt position without mqtt", func(c *Config) { c.Position.Source = PositionMQTT }},
		{"unknown position source", func(c *Config) { c.Position.Source = "gpsd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, logPath)
			tt.mutate(cfg)
			_, err := cfg.NewRecorder()
			assert.Error(t, err)

			// A failed build releases the directory lock.
			good := testConfig(t, logPath)
			good.Segment.Dir = cfg.Segment.Dir
			r, err := good.NewRecorder()
			require.NoError(t, err)
			r.release()
		})
	}
}

func TestNewRecorderTreatsMissingOptionGroupsAsDisabled(t *testing.T) {
	cfg := testConfig(t, writeLog(t, 1))
	cfg.HttpOptions, cfg.MqttOptions, cfg.S3Options = nil, nil, nil

	r, err := cfg.NewRecorder()
	require.NoError(t, err)
	defer r.release()
	assert.Nil(t, r.http)
	assert.Nil(t, r.mqtt)
	assert.Nil(t, r.uploader)
}
