// Package activity classifies each monitored bus as Active or Quiet from
// frame arrival timing.
package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

// Phase is the activity classification of a bus.
type Phase int

const (
	Quiet Phase = iota
	Active
)

func (p Phase) String() string {
	if p == Active {
		return "active"
	}
	return "quiet"
}

// MarshalText renders the phase by name in status output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a snapshot of one bus. QuietSince is set iff Phase is Quiet.
type State struct {
	Bus        string         `json:"bus"`
	Phase      Phase          `json:"phase"`
	LastFrame  can.Timestamp  `json:"lastFrame"`
	HasFrame   bool           `json:"hasFrame"`
	QuietSince *time.Duration `json:"quietSince,omitempty"`
	Threshold  time.Duration  `json:"threshold"`
}

// Transition describes a phase change. The zero value means no change.
type Transition struct {
	Bus  string
	From Phase
	To   Phase
	// At is the monotonic instant the new phase began.
	At time.Duration
}

// Changed reports whether the transition carries a phase change.
func (t Transition) Changed() bool {
	return t.Bus != "" && t.From != t.To
}

// StartsActivity reports a Quiet to Active edge.
func (t Transition) StartsActivity() bool {
	return t.Changed() && t.To == Active
}

// EndsActivity reports an Active to Quiet edge.
func (t Transition) EndsActivity() bool {
	return t.Changed() && t.To == Quiet
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides the quiet threshold for one bus.
func WithThreshold(bus string, d time.Duration) Option {
	return func(det *Detector) {
		det.thresholds[bus] = d
	}
}

// WithBuses registers buses up front so they report Quiet before their first
// frame.
func WithBuses(buses ...string) Option {
	return func(det *Detector) {
		for _, b := range buses {
			det.register(b)
		}
	}
}

// Detector tracks activity per bus. Each bus must be mutated (Observe,
// TickBus) by a single owner; any goroutine may read snapshots.
type Detector struct {
	mu         sync.RWMutex
	start      time.Duration
	threshold  time.Duration
	thresholds map[string]time.Duration
	buses      map[string]*state
}

type state struct {
	phase      Phase
	last       can.Timestamp
	hasFrame   bool
	quietSince time.Duration
}

// NewDetector creates a detector whose buses start Quiet at the monotonic
// instant start, with the default quiet threshold.
func NewDetector(start, threshold time.Duration, opts ...Option) *Detector {
	d := &Detector{
		start:      start,
		threshold:  threshold,
		thresholds: make(map[string]time.Duration),
		buses:      make(map[string]*state),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Threshold returns the quiet threshold for bus.
func (d *Detector) Threshold(bus string) time.Duration {
	if t, ok := d.thresholds[bus]; ok {
		return t
	}
	return d.threshold
}

func (d *Detector) register(bus string) *state {
	s, ok := d.buses[bus]
	if !ok {
		s = &state{phase: Quiet, quietSince: d.start}
		d.buses[bus] = s
	}
	return s
}

// Observe records a frame arrival on bus. A Quiet bus turns Active on the
// first frame. If the bus has been silent for at least its threshold since
// the previous frame, the silence is recognized even when no tick observed
// it, and the frame starts a new activity period.
func (d *Detector) Observe(bus string, t can.Timestamp) Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.register(bus)

	// Arrivals never move the bus history backwards.
	if s.hasFrame && t.Mono < s.last.Mono {
		t.Mono = s.last.Mono
	}

	if s.phase == Active && t.Mono-s.last.Mono >= d.Threshold(bus) {
		s.phase = Quiet
		s.quietSince = s.last.Mono + d.Threshold(bus)
	}

	from := s.phase
	s.phase = Active
	s.last = t
	s.hasFrame = true

	if from == Quiet {
		return Transition{Bus: bus, From: Quiet, To: Active, At: t.Mono}
	}
	return Transition{}
}

// TickBus re-evaluates the timeout for one bus at the monotonic instant now.
// The Quiet phase is dated last frame + threshold, independent of when the
// tick happens.
func (d *Detector) TickBus(bus string, now time.Duration) Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.register(bus)
	return d.tickLocked(bus, s, now)
}

// Tick re-evaluates every bus and returns the transitions that occurred.
func (d *Detector) Tick(now time.Duration) []Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Transition
	for _, bus := range d.sortedBusesLocked() {
		if tr := d.tickLocked(bus, d.buses[bus], now); tr.Changed() {
			out = append(out, tr)
		}
	}
	return out
}

func (d *Detector) tickLocked(bus string, s *state, now time.Duration) Transition {
	if s.phase != Active {
		return Transition{}
	}
	threshold := d.Threshold(bus)
	if now-s.last.Mono < threshold {
		return Transition{}
	}
	s.phase = Quiet
	s.quietSince = s.last.Mono + threshold
	return Transition{Bus: bus, From: Active, To: Quiet, At: s.quietSince}
}

// Current returns a copy of the bus state.
func (d *Detector) Current(bus string) (State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.buses[bus]
	if !ok {
		return State{}, false
	}
	return d.snapshotLocked(bus, s), true
}

// Snapshot returns copies of every bus state, ordered by bus name.
func (d *Detector) Snapshot() []State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]State, 0, len(d.buses))
	for _, bus := range d.sortedBusesLocked() {
		out = append(out, d.snapshotLocked(bus, d.buses[bus]))
	}
	return out
}

// Buses lists the registered buses.
func (d *Detector) Buses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedBusesLocked()
}

// QuietFor evaluates quiescence of bus at now under an arbitrary threshold,
// from the same consistent snapshot the detector maintains. It returns
// whether the bus has been silent for at least threshold, and since when.
// A bus that never produced a frame counts as silent since the detector
// started.
func (d *Detector) QuietFor(bus string, now, threshold time.Duration) (bool, time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ref := d.start
	if s, ok := d.buses[bus]; ok && s.hasFrame {
		ref = s.last.Mono
	}
	since := ref + threshold
	return now >= since, since
}

func (d *Detector) snapshotLocked(bus string, s *state) State {
	st := State{
		Bus:       bus,
		Phase:     s.phase,
		LastFrame: s.last,
		HasFrame:  s.hasFrame,
		Threshold: d.Threshold(bus),
	}
	if s.phase == Quiet {
		qs := s.quietSince
		st.QuietSince = &qs
	}
	return st
}

func (d *Detector) sortedBusesLocked() []string {
	buses := make([]string, 0, len(d.buses))
	for b := range d.buses {
		buses = append(buses, b)
	}
	sort.Strings(buses)
	return buses
}
