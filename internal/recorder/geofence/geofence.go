// Package geofence decides whether a position fix lies within a circular
// region around a target point.
package geofence

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
	"github.com/autopeer-io/carlogger/internal/recorder/position"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distance.
const EarthRadiusMeters = 6371008.8

var (
	ErrInvalidRadius = errors.New("geofence radius must be positive")
	ErrInvalidTarget = errors.New("geofence target out of range")
)

// Result is the outcome of an evaluation. Only Inside satisfies the fence.
type Result int

const (
	Unknown Result = iota
	Outside
	Inside
)

func (r Result) String() string {
	switch r {
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	default:
		return "unknown"
	}
}

// MarshalText renders the result by name.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Satisfied reports whether r counts as being within the fence.
func (r Result) Satisfied() bool {
	return r == Inside
}

// Point is a coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) latLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lon)
}

// Fence is a target point, a radius and the age beyond which a fix no
// longer counts.
type Fence struct {
	Target    Point
	Radius    float64
	Staleness time.Duration
}

// New validates a fence.
func New(target Point, radiusMeters float64, staleness time.Duration) (*Fence, error) {
	if !(radiusMeters > 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRadius, radiusMeters)
	}
	if !target.latLng().IsValid() {
		return nil, fmt.Errorf("%w: %.6f,%.6f", ErrInvalidTarget, target.Lat, target.Lon)
	}
	if staleness <= 0 {
		return nil, fmt.Errorf("geofence staleness must be positive, got %v", staleness)
	}
	return &Fence{Target: target, Radius: radiusMeters, Staleness: staleness}, nil
}

// Distance returns the great-circle distance in meters between two points.
func Distance(a, b Point) float64 {
	return angleMeters(a.latLng().Distance(b.latLng()))
}

func angleMeters(a s1.Angle) float64 {
	return a.Radians() * EarthRadiusMeters
}

// Evaluate classifies fix at now. A missing fix, a fix without quality and
// a fix received more than Staleness ago are Unknown.
func (g *Fence) Evaluate(fix *position.Fix, now can.Timestamp) (Result, float64) {
	if fix == nil || fix.Quality <= 0 {
		return Unknown, 0
	}
	if now.Mono-fix.Received.Mono > g.Staleness {
		return Unknown, 0
	}
	d := Distance(Point{Lat: fix.Lat, Lon: fix.Lon}, g.Target)
	if d <= g.Radius {
		return Inside, d
	}
	return Outside, d
}

// InRange is Evaluate without the distance.
func (g *Fence) InRange(fix *position.Fix, now can.Timestamp) Result {
	r, _ := g.Evaluate(fix, now)
	return r
}
