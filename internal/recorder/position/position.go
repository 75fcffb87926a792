// Package position keeps the latest vehicle position fix and the sources
// that feed it.
package position

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/autopeer-io/carlogger/internal/pkg/timebase"
	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

// Fix is one position report. Quality 0 means no valid fix. Received is
// stamped locally on arrival and drives staleness.
type Fix struct {
	Lat      float64       `json:"lat"`
	Lon      float64       `json:"lon"`
	FixTime  time.Time     `json:"fixTime"`
	Quality  int           `json:"quality"`
	Received can.Timestamp `json:"received"`
}

// Validate checks coordinate ranges.
func (f Fix) Validate() error {
	if math.IsNaN(f.Lat) || math.IsNaN(f.Lon) || f.Lat < -90 || f.Lat > 90 || f.Lon < -180 || f.Lon > 180 {
		return fmt.Errorf("position %.6f,%.6f out of range", f.Lat, f.Lon)
	}
	return nil
}

// Source delivers fixes until ctx is done.
type Source interface {
	Run(ctx context.Context, sink func(Fix)) error
}

// Store holds the latest fix. Writers and readers never block each other.
type Store struct {
	tb     *timebase.Source
	latest atomic.Pointer[Fix]
}

// NewStore returns an empty store that stamps arrivals with tb.
func NewStore(tb *timebase.Source) *Store {
	return &Store{tb: tb}
}

// Update stamps f with the arrival time and makes it the latest fix.
// Invalid fixes are rejected.
func (s *Store) Update(f Fix) error {
	if err := f.Validate(); err != nil {
		return err
	}
	f.Received = s.tb.Now()
	s.latest.Store(&f)
	return nil
}

// Latest returns a copy of the latest fix, or nil before the first one.
func (s *Store) Latest() *Fix {
	p := s.latest.Load()
	if p == nil {
		return nil
	}
	f := *p
	return &f
}
