package timebase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestSourceNow(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clocktesting.NewFakePassiveClock(start)
	src := New(fake)

	ts := src.Now()
	assert.Equal(t, time.Duration(0), ts.Mono)
	assert.True(t, ts.Wall.Equal(start))

	fake.SetTime(start.Add(1500 * time.Millisecond))
	ts = src.Now()
	assert.Equal(t, 1500*time.Millisecond, ts.Mono)
	assert.True(t, src.Start().Equal(start))
}

func TestSourceClampsWallRegression(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clocktesting.NewFakePassiveClock(start)
	src := New(fake)

	fake.SetTime(start.Add(-time.Hour))
	assert.Equal(t, time.Duration(0), src.Now().Mono)
}
