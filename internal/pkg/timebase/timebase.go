// Package timebase pairs a monotonic offset with a wall-clock label for every
// timestamp the recorder takes.
package timebase

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

// Source hands out can.Timestamp values. Mono is measured from the moment
// the source was created and never goes backwards, whatever happens to the
// system wall clock.
type Source struct {
	clock clock.PassiveClock
	start time.Time
}

// New creates a Source anchored at the clock's current time.
func New(c clock.PassiveClock) *Source {
	return &Source{clock: c, start: c.Now()}
}

// Now returns the current timestamp pair.
func (s *Source) Now() can.Timestamp {
	now := s.clock.Now()
	mono := s.clock.Since(s.start)
	if mono < 0 {
		mono = 0
	}
	// Round(0) strips the monotonic reading so Wall is a plain label.
	return can.Timestamp{Mono: mono, Wall: now.Round(0)}
}

// Start is the wall time the monotonic base was anchored at.
func (s *Source) Start() time.Time {
	return s.start.Round(0)
}

// Clock returns the underlying clock.
func (s *Source) Clock() clock.PassiveClock {
	return s.clock
}
