package position

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Static reports a fixed position at a steady interval, for bench setups
// without a positioning receiver.
type Static struct {
	Lat, Lon float64
	Quality  int
	Interval time.Duration
	Clock    clock.Clock
}

func (s Static) Run(ctx context.Context, sink func(Fix)) error {
	clk := s.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	quality := s.Quality
	if quality == 0 {
		quality = 1
	}

	for {
		sink(Fix{Lat: s.Lat, Lon: s.Lon, FixTime: clk.Now().UTC(), Quality: quality})
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(interval):
		}
	}
}
