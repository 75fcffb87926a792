// Package pipeline moves frames of one bus from its driver to its segment
// writer: a reader stamps arrivals, an ingestion loop classifies activity
// and enqueues without blocking, and a writer drains the bounded queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/pkg/metrics"
	"github.com/autopeer-io/carlogger/internal/pkg/timebase"
	"github.com/autopeer-io/carlogger/internal/recorder/activity"
	"github.com/autopeer-io/carlogger/internal/recorder/can"
	"github.com/autopeer-io/carlogger/internal/recorder/driver"
	"github.com/autopeer-io/carlogger/internal/recorder/segment"
	"github.com/autopeer-io/carlogger/pkg/log"
)

// SegmentWriter is the part of *segment.Writer the pipeline drives.
type SegmentWriter interface {
	Write(f can.Frame) error
	MaybeRoll(tr activity.Transition) error
	Seal(reason segment.Reason) error
	Sync() error
	Close(ctx context.Context) error
}

// Config wires one bus pipeline.
type Config struct {
	Driver   driver.Driver
	Detector *activity.Detector
	Writer   SegmentWriter
	Time     *timebase.Source
	Clock    clock.WithTicker

	// QueueSize bounds the frames waiting for the writer.
	QueueSize int
	// TickInterval is how often the bus is checked for silence.
	TickInterval time.Duration
	// FlushInterval is how often buffered records are written out.
	FlushInterval time.Duration
	// Reconnect paces driver reconnects. It is capped, never exhausted.
	Reconnect wait.Backoff
	// DownAfter is the number of consecutive failures that mark the bus down.
	DownAfter int
	// CloseTimeout bounds the final drain and seal.
	CloseTimeout time.Duration
}

// DefaultReconnect is the reconnect schedule used when none is configured.
func DefaultReconnect() wait.Backoff {
	return wait.Backoff{Duration: 200 * time.Millisecond, Factor: 2, Jitter: 0.1, Steps: math.MaxInt32, Cap: 10 * time.Second}
}

// Status is a point-in-time view of a pipeline.
type Status struct {
	Bus        string `json:"bus"`
	Up         bool   `json:"up"`
	Connected  bool   `json:"connected"`
	Ended      bool   `json:"ended"`
	QueueDepth int    `json:"queueDepth"`
	QueueCap   int    `json:"queueCap"`
	Received   uint64 `json:"received"`
	Dropped    uint64 `json:"dropped"`
	Reconnects uint64 `json:"reconnects"`
}

// item is one unit of writer work: a frame, possibly opening a new activity
// period, or a seal request.
type item struct {
	frame can.Frame
	tr    activity.Transition
	seal  segment.Reason
}

// Pipeline records one bus.
type Pipeline struct {
	cfg Config
	bus string

	frames chan can.Frame
	queue  chan item
	rotate chan struct{}

	up         atomic.Bool
	connected  atomic.Bool
	ended      atomic.Bool
	received   atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

// New validates cfg and builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Driver == nil || cfg.Detector == nil || cfg.Writer == nil || cfg.Time == nil {
		return nil, errors.New("pipeline needs a driver, detector, writer and time source")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Reconnect.Duration <= 0 {
		cfg.Reconnect = DefaultReconnect()
	}
	if cfg.DownAfter <= 0 {
		cfg.DownAfter = 3
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}

	return &Pipeline{
		cfg:    cfg,
		bus:    cfg.Driver.Bus(),
		frames: make(chan can.Frame, 64),
		queue:  make(chan item, cfg.QueueSize),
		rotate: make(chan struct{}, 1),
	}, nil
}

// Bus is the bus this pipeline records.
func (p *Pipeline) Bus() string { return p.bus }

// Rotate requests the open segment to be sealed; the next frame opens a
// new one.
func (p *Pipeline) Rotate() {
	select {
	case p.rotate <- struct{}{}:
	default:
	}
}

// Status reports counters and connection state.
func (p *Pipeline) Status() Status {
	return Status{
		Bus:        p.bus,
		Up:         p.up.Load(),
		Connected:  p.connected.Load(),
		Ended:      p.ended.Load(),
		QueueDepth: len(p.queue),
		QueueCap:   cap(p.queue),
		Received:   p.received.Load(),
		Dropped:    p.dropped.Load(),
		Reconnects: p.reconnects.Load(),
	}
}

// Run records until ctx is done, then drains the queue and seals the open
// segment. It returns an error only when the writer failed for good.
func (p *Pipeline) Run(ctx context.Context) error {
	log.Info("Starting bus pipeline", "bus", p.bus, "queue", cap(p.queue))

	readDone, writeDone := make(chan struct{}), make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(readDone)
		return p.readLoop(gctx)
	})
	g.Go(func() error { return p.ingestLoop(gctx, readDone, writeDone) })
	g.Go(func() error {
		defer close(writeDone)
		return p.writeLoop()
	})

	err := g.Wait()
	p.up.Store(false)
	metrics.BusUp.WithLabelValues(p.bus).Set(0)
	log.Info("Bus pipeline stopped", "bus", p.bus, "received", p.received.Load(), "dropped", p.dropped.Load())
	return err
}

func (p *Pipeline) readLoop(ctx context.Context) error {
	backoff := p.cfg.Reconnect
	failures := 0

	for ctx.Err() == nil {
		conn, err := p.cfg.Driver.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures = p.failed(failures, fmt.Errorf("connect: %w", err))
			if !p.sleep(ctx, backoff.Step()) {
				return nil
			}
			continue
		}

		if failures > 0 {
			p.reconnects.Add(1)
			metrics.BusReconnects.WithLabelValues(p.bus).Inc()
			log.Info("Bus connected", "bus", p.bus, "afterFailures", failures)
		}
		failures, backoff = 0, p.cfg.Reconnect
		p.setUp(true)
		p.connected.Store(true)

		err = p.readConn(ctx, conn)
		_ = conn.Close()
		p.connected.Store(false)

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, driver.ErrEndOfStream):
			log.Info("Bus source ended", "bus", p.bus)
			p.ended.Store(true)
			<-ctx.Done()
			return nil
		}

		failures = p.failed(failures, err)
		if !p.sleep(ctx, backoff.Step()) {
			return nil
		}
	}
	return nil
}

func (p *Pipeline) readConn(ctx context.Context, conn driver.Conn) error {
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		f.Bus = p.bus
		f.Time = p.cfg.Time.Now()
		p.received.Add(1)
		metrics.FramesReceived.WithLabelValues(p.bus).Inc()

		select {
		case p.frames <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// failed records a consecutive failure and reports the bus down once the
// threshold is reached. Recovery attempts continue regardless.
func (p *Pipeline) failed(failures int, err error) int {
	failures++
	if failures == p.cfg.DownAfter {
		p.setUp(false)
		log.Error(err, "Bus is down, still retrying", "bus", p.bus, "failures", failures)
	} else {
		log.Warn("Bus read failed", "bus", p.bus, "failures", failures, "err", err)
	}
	return failures
}

func (p *Pipeline) setUp(up bool) {
	p.up.Store(up)
	metrics.BusUp.WithLabelValues(p.bus).Set(metrics.BoolGauge(up))
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.cfg.Clock.After(d):
		return true
	}
}

// ingestLoop is the only mutator of this bus's activity state. It never
// blocks on the writer: a full queue drops the newest frame, while the
// start-of-activity mark and seal requests are carried until they fit.
// On shutdown it waits for the reader to stop and hands every frame
// already received to the writer before closing the queue.
func (p *Pipeline) ingestLoop(ctx context.Context, readDone, writeDone <-chan struct{}) error {
	defer close(p.queue)

	ticker := p.cfg.Clock.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	in := &ingester{p: p, writeDone: writeDone}
	for {
		select {
		case <-ctx.Done():
			<-readDone
			in.draining = true
			in.buffered()
			return nil
		case f := <-p.frames:
			in.frame(f)
		case <-ticker.C():
			in.tick()
		case <-p.rotate:
			in.rotate()
		}
	}
}

// ingester is the state of the ingestion loop.
type ingester struct {
	p         *Pipeline
	writeDone <-chan struct{}

	startsActivity bool
	pendingSeal    segment.Reason
	// draining makes offers wait for queue space until the writer exits.
	draining bool
}

func (in *ingester) offer(it item) bool {
	if !in.draining {
		return in.p.offer(it)
	}
	select {
	case in.p.queue <- it:
		return true
	case <-in.writeDone:
		return false
	}
}

func (in *ingester) flushSeal() bool {
	if in.pendingSeal == "" {
		return true
	}
	if !in.offer(item{seal: in.pendingSeal}) {
		return false
	}
	in.pendingSeal = ""
	return true
}

func (in *ingester) frame(f can.Frame) {
	p := in.p
	tr := p.cfg.Detector.Observe(p.bus, f.Time)
	if tr.StartsActivity() {
		in.startsActivity = true
		metrics.BusActive.WithLabelValues(p.bus).Set(1)
	}

	it := item{frame: f}
	if in.startsActivity {
		// A new activity period seals the previous segment anyway.
		in.pendingSeal = ""
		it.tr = activity.Transition{Bus: p.bus, From: activity.Quiet, To: activity.Active, At: f.Time.Mono}
	} else if !in.flushSeal() {
		p.drop()
		return
	}

	if !in.offer(it) {
		p.drop()
		return
	}
	in.startsActivity = false
}

// buffered ingests every frame the reader has already stamped.
func (in *ingester) buffered() {
	for {
		select {
		case f := <-in.p.frames:
			in.frame(f)
		default:
			return
		}
	}
}

func (in *ingester) tick() {
	p := in.p
	// Frames stamped before this tick are observed first, or they would
	// reopen an activity period that had already ended.
	in.buffered()
	tr := p.cfg.Detector.TickBus(p.bus, p.cfg.Time.Now().Mono)
	if tr.EndsActivity() {
		metrics.BusActive.WithLabelValues(p.bus).Set(0)
		log.Debug("Bus went quiet", "bus", p.bus, "quietSince", tr.At)
		if !in.startsActivity {
			in.pendingSeal = segment.ReasonQuiet
		}
	}
	in.flushSeal()
	metrics.QueueDepth.WithLabelValues(p.bus).Set(float64(len(p.queue)))
}

func (in *ingester) rotate() {
	if !in.startsActivity {
		in.pendingSeal = segment.ReasonSignal
		in.flushSeal()
	}
}

func (p *Pipeline) offer(it item) bool {
	select {
	case p.queue <- it:
		return true
	default:
		return false
	}
}

func (p *Pipeline) drop() {
	p.dropped.Add(1)
	metrics.FramesDropped.WithLabelValues(p.bus, metrics.DropQueue).Inc()
}

// writeLoop owns the segment writer. It drains the queue until the
// ingestion loop closes it, then seals whatever is open.
func (p *Pipeline) writeLoop() (err error) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CloseTimeout)
		defer cancel()
		if cerr := p.cfg.Writer.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for {
		select {
		case it, ok := <-p.queue:
			if !ok {
				return nil
			}
			if err := p.handle(it); err != nil {
				return err
			}
		case <-ticker.C():
			if err := p.cfg.Writer.Sync(); err != nil {
				return fatal(err)
			}
		}
	}
}

func (p *Pipeline) handle(it item) error {
	if it.seal != "" {
		return fatal(p.cfg.Writer.Seal(it.seal))
	}
	if it.tr.Changed() {
		if err := p.cfg.Writer.MaybeRoll(it.tr); err != nil {
			if ferr := fatal(err); ferr != nil {
				return ferr
			}
		}
	}
	if err := p.cfg.Writer.Write(it.frame); err != nil {
		if ferr := fatal(err); ferr != nil {
			return ferr
		}
		log.Debug("Frame not written", "bus", p.bus, "err", err)
	}
	return nil
}

// fatal filters writer errors down to the ones that end the pipeline.
func fatal(err error) error {
	if errors.Is(err, segment.ErrWriterFailed) || errors.Is(err, segment.ErrClosed) {
		return err
	}
	return nil
}
