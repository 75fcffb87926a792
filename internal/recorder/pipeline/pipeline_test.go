package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/carlogger/internal/pkg/timebase"
	"github.com/autopeer-io/carlogger/internal/recorder/activity"
	"github.com/autopeer-io/carlogger/internal/recorder/can"
	"github.com/autopeer-io/carlogger/internal/recorder/driver"
	"github.com/autopeer-io/carlogger/internal/recorder/segment"
)

const (
	waitFor = 3 * time.Second
	poll    = 5 * time.Millisecond
)

type harness struct {
	dir  string
	fake *driver.Fake
	p    *Pipeline
	done chan error
	stop context.CancelFunc
}

func start(t *testing.T, quiet time.Duration, mutate func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	tb := timebase.New(clock.RealClock{})
	fake := driver.NewFake("can0")

	w, err := segment.NewWriter(segment.Config{Dir: dir, Bus: "can0", BufferSize: 1})
	require.NoError(t, err)

	cfg := Config{
		Driver:        fake,
		Detector:      activity.NewDetector(tb.Now().Mono, quiet, activity.WithBuses("can0")),
		Writer:        w,
		Time:          tb,
		TickInterval:  5 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		Reconnect:     wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: math.MaxInt32},
		DownAfter:     2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{dir: dir, fake: fake, p: p, done: make(chan error, 1), stop: cancel}
	go func() { h.done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) send(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for i := 0; i < n; i++ {
		require.NoError(t, h.fake.Send(ctx, can.Frame{ID: 0x123, Len: 2, Data: []byte{byte(i), 0xFF}}))
	}
}

func (h *harness) shutdown(t *testing.T) error {
	t.Helper()
	h.stop()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(waitFor):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func sealed(t *testing.T, dir string) []segment.Info {
	infos, err := segment.List(dir)
	require.NoError(t, err)
	var out []segment.Info
	for _, i := range infos {
		if i.Status == segment.StatusSealed {
			out = append(out, i)
		}
	}
	return out
}

func TestPipelineSegmentsFollowActivity(t *testing.T) {
	h := start(t, 100*time.Millisecond, nil)

	h.send(t, 5)
	require.Eventually(t, func() bool { return len(sealed(t, h.dir)) == 1 }, waitFor, poll)

	h.send(t, 3)
	require.Eventually(t, func() bool { return len(sealed(t, h.dir)) == 2 }, waitFor, poll)
	require.NoError(t, h.shutdown(t))

	infos := sealed(t, h.dir)
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(5), infos[0].Frames)
	assert.Equal(t, segment.ReasonQuiet, infos[0].Reason)
	assert.Equal(t, uint64(3), infos[1].Frames)
	assert.Less(t, infos[0].Seq, infos[1].Seq)

	frames, err := segment.ReadAll(infos[0].Path)
	require.NoError(t, err)
	for i, f := range frames {
		assert.Equal(t, "can0", f.Bus)
		assert.Equal(t, byte(i), f.Data[0])
		if i > 0 {
			assert.GreaterOrEqual(t, f.Time.Mono, frames[i-1].Time.Mono)
		}
	}
}

func TestPipelineSealsOnShutdown(t *testing.T) {
	h := start(t, time.Hour, nil)
	h.send(t, 4)
	require.Eventually(t, func() bool { return h.p.Status().Received == 4 }, waitFor, poll)
	require.NoError(t, h.shutdown(t))

	infos := sealed(t, h.dir)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(4), infos[0].Frames)
	assert.Equal(t, segment.ReasonShutdown, infos[0].Reason)
}

func TestPipelineRotate(t *testing.T) {
	h := start(t, time.Hour, nil)
	h.send(t, 2)
	require.Eventually(t, func() bool { return h.p.Status().Received == 2 }, waitFor, poll)

	h.p.Rotate()
	require.Eventually(t, func() bool { return len(sealed(t, h.dir)) == 1 }, waitFor, poll)
	assert.Equal(t, segment.ReasonSignal, sealed(t, h.dir)[0].Reason)

	h.send(t, 1)
	require.NoError(t, h.shutdown(t))
	assert.Len(t, sealed(t, h.dir), 2)
}

func TestPipelineReconnects(t *testing.T) {
	h := start(t, time.Hour, nil)

	require.Eventually(t, h.fake.Connected, waitFor, poll)
	assert.True(t, h.p.Status().Up)

	h.fake.FailConnects(3)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.fake.Break(ctx, errors.New("bus-off")))

	require.Eventually(t, func() bool {
		return h.fake.Connected() && h.fake.Connects() == 5
	}, waitFor, poll)
	require.Eventually(t, func() bool { return h.p.Status().Up }, waitFor, poll)
	assert.Equal(t, uint64(1), h.p.Status().Reconnects)

	h.send(t, 1)
	require.Eventually(t, func() bool { return h.p.Status().Received == 1 }, waitFor, poll)
}

func TestPipelineEndOfStream(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "drive.log")
	require.NoError(t, os.WriteFile(logPath, []byte(
		"(1700000000.000000) can0 123#0011\n"+
			"(1700000000.010000) can0 124#0022\n"), 0o644))

	out := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(out, 0o755))
	w, err := segment.NewWriter(segment.Config{Dir: out, Bus: "can0"})
	require.NoError(t, err)
	tb := timebase.New(clock.RealClock{})

	p, err := New(Config{
		Driver:       driver.NewReplay("can0", logPath, driver.ReplayOptions{}),
		Detector:     activity.NewDetector(tb.Now().Mono, 20*time.Millisecond),
		Writer:       w,
		Time:         tb,
		TickInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sealed(t, out)) == 1 }, waitFor, poll)
	require.Eventually(t, func() bool { return p.Status().Ended }, waitFor, poll)
	cancel()
	require.NoError(t, <-done)

	infos := sealed(t, out)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(2), infos[0].Frames)
}

// stubWriter records writer calls; Write can be held or made to fail.
type stubWriter struct {
	mu       sync.Mutex
	hold     chan struct{}
	writeErr error
	writes   []can.Frame
	rolls    []activity.Transition
	seals    []segment.Reason
}

func (s *stubWriter) Write(f can.Frame) error {
	if s.hold != nil {
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, f)
	return s.writeErr
}

func (s *stubWriter) MaybeRoll(tr activity.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolls = append(s.rolls, tr)
	return nil
}

func (s *stubWriter) Seal(r segment.Reason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seals = append(s.seals, r)
	return nil
}

func (s *stubWriter) Sync() error                   { return nil }
func (s *stubWriter) Close(ctx context.Context) error { return nil }

func (s *stubWriter) count() (writes, rolls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes), len(s.rolls)
}

func TestPipelineDropsNewestWhenQueueFull(t *testing.T) {
	stub := &stubWriter{hold: make(chan struct{})}
	h := start(t, time.Hour, func(c *Config) {
		c.Writer = stub
		c.QueueSize = 2
	})

	h.send(t, 1)
	require.Eventually(t, func() bool {
		_, rolls := stub.count()
		return rolls == 1
	}, waitFor, poll)

	// The writer holds frame 0; two more fit in the queue.
	h.send(t, 6)
	require.Eventually(t, func() bool { return h.p.Status().Dropped == 4 }, waitFor, poll)
	close(stub.hold)

	require.Eventually(t, func() bool {
		w, _ := stub.count()
		return w == 3
	}, waitFor, poll)

	_, rolls := stub.count()
	assert.Equal(t, 1, rolls)
	stub.mu.Lock()
	assert.True(t, stub.rolls[0].StartsActivity())
	assert.Equal(t, byte(0), stub.writes[0].Data[0])
	stub.mu.Unlock()
}

func TestPipelineStopsOnWriterFailure(t *testing.T) {
	stub := &stubWriter{writeErr: segment.ErrWriterFailed}
	h := start(t, time.Hour, func(c *Config) { c.Writer = stub })

	h.send(t, 1)
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, segment.ErrWriterFailed)
		h.done <- err
	case <-time.After(waitFor):
		t.Fatal("pipeline kept running after writer failure")
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func newIdlePipeline(t *testing.T, clk clock.WithTicker, quiet time.Duration) (*Pipeline, *timebase.Source, string) {
	t.Helper()
	dir := t.TempDir()
	tb := timebase.New(clk)
	w, err := segment.NewWriter(segment.Config{Dir: dir, Bus: "can0", Sequencer: segment.NewSequencer(1)})
	require.NoError(t, err)
	p, err := New(Config{
		Driver:   driver.NewFake("can0"),
		Detector: activity.NewDetector(tb.Now().Mono, quiet, activity.WithBuses("can0")),
		Writer:   w,
		Time:     tb,
		Clock:    clk,
	})
	require.NoError(t, err)
	return p, tb, dir
}

func TestShutdownWritesBufferedFrames(t *testing.T) {
	p, tb, dir := newIdlePipeline(t, clock.RealClock{}, time.Hour)
	for i := 0; i < 10; i++ {
		p.frames <- can.Frame{Bus: "can0", Time: tb.Now(), ID: 0x200, Len: 1, Data: []byte{byte(i)}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	readDone, writeDone := make(chan struct{}), make(chan struct{})
	close(readDone)
	errc := make(chan error, 1)
	go func() {
		defer close(writeDone)
		errc <- p.writeLoop()
	}()

	require.NoError(t, p.ingestLoop(ctx, readDone, writeDone))
	require.NoError(t, <-errc)

	infos := sealed(t, dir)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(10), infos[0].Frames)
	assert.Zero(t, p.Status().Dropped)
}

func TestTickObservesBufferedFramesFirst(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC))
	p, tb, _ := newIdlePipeline(t, clk, 100*time.Millisecond)
	in := &ingester{p: p, writeDone: make(chan struct{})}

	in.frame(can.Frame{Bus: "can0", Time: tb.Now(), ID: 0x1})
	clk.Step(90 * time.Millisecond)
	// Stamped by the reader but not yet taken by the ingestion loop.
	p.frames <- can.Frame{Bus: "can0", Time: tb.Now(), ID: 0x2}
	clk.Step(110 * time.Millisecond)
	in.tick()

	require.Len(t, p.queue, 3)
	first, second, third := <-p.queue, <-p.queue, <-p.queue
	assert.True(t, first.tr.StartsActivity())
	assert.Equal(t, uint32(0x2), second.frame.ID)
	assert.False(t, second.tr.Changed(), "a frame from the running activity period must not reopen it")
	assert.Equal(t, segment.ReasonQuiet, third.seal)
}
