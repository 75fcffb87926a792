// Package trigger schedules a shutdown once every watched bus has been quiet
// and the vehicle has been parked inside the geofence for a hold period.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/pkg/metrics"
	"github.com/autopeer-io/carlogger/internal/pkg/timebase"
	fsmutil "github.com/autopeer-io/carlogger/internal/pkg/util/fsm"
	"github.com/autopeer-io/carlogger/internal/recorder/can"
	"github.com/autopeer-io/carlogger/internal/recorder/geofence"
	"github.com/autopeer-io/carlogger/internal/recorder/position"
)

// Phases.
const (
	PhaseDisarmed  = "disarmed"
	PhaseCandidate = "candidate"
	PhaseArmed     = "armed"
	PhaseFired     = "fired"
)

// Events.
const (
	EventQualify = "qualify"
	EventReset   = "reset"
	EventArm     = "arm"
	EventFire    = "fire"
)

var allPhases = []string{PhaseDisarmed, PhaseCandidate, PhaseArmed, PhaseFired}

// Quiescence answers whether a bus has been silent for a threshold.
type Quiescence interface {
	QuietFor(bus string, now, threshold time.Duration) (bool, time.Duration)
	Buses() []string
}

// FixSource returns the latest position fix, or nil.
type FixSource interface {
	Latest() *position.Fix
}

// Config wires a trigger.
type Config struct {
	Fence    *geofence.Fence
	Activity Quiescence
	Position FixSource
	Marker   Marker
	Notifier Notifier

	// Buses lists the buses that must be quiet; empty means all known.
	Buses []string
	// QuietThreshold is the trigger's own quiescence threshold.
	QuietThreshold time.Duration
	Hold           time.Duration
	FireDelay      time.Duration

	// RequireDeparture withholds qualification until a fix outside the
	// fence has been seen, so a recorder started at the depot does not
	// schedule a shutdown before the vehicle ever left.
	RequireDeparture bool
	// DryRun logs the fire time instead of writing the marker.
	DryRun bool
	// RemoveOnExit deletes a written marker when the trigger stops.
	RemoveOnExit bool

	VehicleID string
	Logger    logr.Logger
}

// Status is a snapshot of the trigger.
type Status struct {
	Phase          string          `json:"phase"`
	CandidateSince *can.Timestamp  `json:"candidateSince,omitempty"`
	FireTime       *time.Time      `json:"fireTime,omitempty"`
	Target         geofence.Point  `json:"target"`
	Radius         float64         `json:"radiusMeters"`
	Hold           time.Duration   `json:"hold"`
	FireDelay      time.Duration   `json:"fireDelay"`
	Quiet          bool            `json:"quiet"`
	Geofence       geofence.Result `json:"geofence"`
	Distance       float64         `json:"distanceMeters"`
	Departed       bool            `json:"departed"`
	DryRun         bool            `json:"dryRun"`
}

// Trigger is the shutdown state machine. Evaluate may be called from any
// goroutine; calls are serialized.
type Trigger struct {
	cfg Config
	log logr.Logger

	mu  sync.Mutex
	fsm *fsm.FSM

	candidateSince can.Timestamp
	fireTime       time.Time
	departed       bool
	quiet          bool
	result         geofence.Result
	distance       float64
	markerWritten  bool
}

// New validates cfg and returns a disarmed trigger.
func New(cfg Config) (*Trigger, error) {
	if cfg.Fence == nil || cfg.Activity == nil || cfg.Position == nil {
		return nil, errors.New("trigger needs a geofence, an activity source and a position source")
	}
	if cfg.Marker == nil && !cfg.DryRun {
		return nil, errors.New("trigger needs a marker unless running dry")
	}
	if cfg.QuietThreshold <= 0 {
		return nil, fmt.Errorf("trigger quiet threshold must be positive, got %v", cfg.QuietThreshold)
	}
	if cfg.Hold < 0 || cfg.FireDelay < 0 {
		return nil, errors.New("trigger hold and fire delay must not be negative")
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	t := &Trigger{cfg: cfg, log: cfg.Logger.WithName("trigger")}
	t.fsm = fsm.NewFSM(
		PhaseDisarmed,
		fsm.Events{
			{Name: EventQualify, Src: []string{PhaseDisarmed}, Dst: PhaseCandidate},
			{Name: EventReset, Src: []string{PhaseCandidate}, Dst: PhaseDisarmed},
			{Name: EventArm, Src: []string{PhaseCandidate}, Dst: PhaseArmed},
			{Name: EventFire, Src: []string{PhaseArmed}, Dst: PhaseFired},
		},
		fsm.Callbacks{
			"enter_" + PhaseCandidate: fsmutil.WrapEvent(t.enterCandidate),
			"enter_" + PhaseDisarmed:  fsmutil.WrapEvent(t.enterDisarmed),
			"enter_" + PhaseArmed:     fsmutil.WrapEvent(t.enterArmed),
			"before_" + EventFire:     fsmutil.GuardEvent(t.writeMarker),
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.SetTriggerPhase(e.Dst, allPhases)
			},
		},
	)
	metrics.SetTriggerPhase(PhaseDisarmed, allPhases)
	return t, nil
}

// Phase returns the current phase.
func (t *Trigger) Phase() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fsm.Current()
}

// Status returns a snapshot.
func (t *Trigger) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		Phase:     t.fsm.Current(),
		Target:    t.cfg.Fence.Target,
		Radius:    t.cfg.Fence.Radius,
		Hold:      t.cfg.Hold,
		FireDelay: t.cfg.FireDelay,
		Quiet:     t.quiet,
		Geofence:  t.result,
		Distance:  t.distance,
		Departed:  t.departed,
		DryRun:    t.cfg.DryRun,
	}
	if st.Phase == PhaseCandidate {
		cs := t.candidateSince
		st.CandidateSince = &cs
	}
	if !t.fireTime.IsZero() {
		ft := t.fireTime
		st.FireTime = &ft
	}
	return st
}

// Evaluate runs one tick at now. Repeated calls in the same situation have
// no further effect. The only error is a failed marker write; the trigger
// then stays armed and the next tick retries with the same fire time.
func (t *Trigger) Evaluate(ctx context.Context, now can.Timestamp) error {
	fired, err := t.evaluate(ctx, now)
	if err != nil {
		return err
	}
	if fired && t.cfg.Notifier != nil {
		ev := FireEvent{VehicleID: t.cfg.VehicleID, FireTime: t.fireTimeSnapshot(), DistanceMeters: t.distanceSnapshot(), DryRun: t.cfg.DryRun}
		nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := t.cfg.Notifier.Notify(nctx, ev); err != nil {
			t.log.Error(err, "Failed to announce scheduled shutdown")
		}
	}
	return nil
}

func (t *Trigger) evaluate(ctx context.Context, now can.Timestamp) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	phase := t.fsm.Current()
	if phase == PhaseFired {
		return false, nil
	}

	ok := t.conditions(now)

	switch {
	case phase == PhaseDisarmed && ok:
		if err := t.event(ctx, EventQualify, now); err != nil {
			return false, err
		}
		phase = PhaseCandidate
	case phase == PhaseCandidate && !ok:
		if err := t.event(ctx, EventReset, now); err != nil {
			return false, err
		}
		phase = PhaseDisarmed
	}

	if phase == PhaseCandidate && now.Mono-t.candidateSince.Mono >= t.cfg.Hold {
		if err := t.event(ctx, EventArm, now); err != nil {
			return false, err
		}
		phase = PhaseArmed
	}

	if phase != PhaseArmed {
		return false, nil
	}
	if err := t.event(ctx, EventFire, now); err != nil {
		metrics.MarkerWrites.WithLabelValues("failed").Inc()
		t.log.Error(err, "Marker write failed, will retry", "fireTime", t.fireTime)
		return false, err
	}
	t.log.Info("Shutdown scheduled", "fireTime", t.fireTime, "dryRun", t.cfg.DryRun)
	return true, nil
}

// conditions samples quiescence and the geofence at now.
func (t *Trigger) conditions(now can.Timestamp) bool {
	buses := t.cfg.Buses
	if len(buses) == 0 {
		buses = t.cfg.Activity.Buses()
	}
	t.quiet = len(buses) > 0
	for _, bus := range buses {
		if q, _ := t.cfg.Activity.QuietFor(bus, now.Mono, t.cfg.QuietThreshold); !q {
			t.quiet = false
			break
		}
	}

	t.result, t.distance = t.cfg.Fence.Evaluate(t.cfg.Position.Latest(), now)
	if t.result == geofence.Outside && !t.departed {
		t.departed = true
		t.log.V(1).Info("Vehicle left the geofence", "distanceMeters", t.distance)
	}

	departed := t.departed || !t.cfg.RequireDeparture
	return t.quiet && t.result.Satisfied() && departed
}

func (t *Trigger) event(ctx context.Context, name string, now can.Timestamp) error {
	err := t.fsm.Event(ctx, name, now)
	if err == nil || fsmutil.IsNoop(err) {
		return nil
	}
	return fsmutil.Cause(err)
}

func (t *Trigger) enterCandidate(_ context.Context, e *fsm.Event) error {
	t.candidateSince = e.Args[0].(can.Timestamp)
	t.log.Info("Parked and quiet, holding", "hold", t.cfg.Hold, "distanceMeters", t.distance)
	return nil
}

func (t *Trigger) enterDisarmed(_ context.Context, e *fsm.Event) error {
	now := e.Args[0].(can.Timestamp)
	held := now.Mono - t.candidateSince.Mono
	t.log.Info("Hold interrupted", "held", held, "quiet", t.quiet, "geofence", t.result.String())
	t.candidateSince = can.Timestamp{}
	return nil
}

// enterArmed fixes the fire time once; a retried fire reuses it.
func (t *Trigger) enterArmed(_ context.Context, e *fsm.Event) error {
	now := e.Args[0].(can.Timestamp)
	t.fireTime = now.Wall.Add(t.cfg.FireDelay)
	return nil
}

func (t *Trigger) writeMarker(_ context.Context, _ *fsm.Event) error {
	if t.cfg.DryRun {
		metrics.MarkerWrites.WithLabelValues("dry-run").Inc()
		t.log.Info("Dry run, not writing marker", "fireTime", t.fireTime)
		return nil
	}
	if err := t.cfg.Marker.Write(t.fireTime); err != nil {
		return fmt.Errorf("write shutdown marker: %w", err)
	}
	t.markerWritten = true
	metrics.MarkerWrites.WithLabelValues("success").Inc()
	return nil
}

func (t *Trigger) fireTimeSnapshot() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fireTime
}

func (t *Trigger) distanceSnapshot() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.distance
}

// Run evaluates on every interval until ctx is done, then removes the
// marker if configured to.
func (t *Trigger) Run(ctx context.Context, clk clock.WithTicker, tb *timebase.Source, interval time.Duration) error {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	t.log.Info("Shutdown trigger running", "interval", interval, "hold", t.cfg.Hold,
		"fireDelay", t.cfg.FireDelay, "radiusMeters", t.cfg.Fence.Radius)

	for {
		if err := t.Evaluate(ctx, tb.Now()); err != nil && ctx.Err() == nil {
			t.log.V(1).Info("Evaluation failed", "err", err.Error())
		}
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-ticker.C():
		}
	}
}

// Stop removes a written marker when RemoveOnExit is set.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.RemoveOnExit || !t.markerWritten {
		return
	}
	if err := t.cfg.Marker.Remove(); err != nil {
		t.log.Error(err, "Failed to remove shutdown marker")
		return
	}
	t.markerWritten = false
	t.log.Info("Removed shutdown marker")
}
