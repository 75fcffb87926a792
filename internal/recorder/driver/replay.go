package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

// ReplayOptions tune how a recorded log is played back.
type ReplayOptions struct {
	// Speed scales the recorded inter-frame gaps; 2 plays twice as fast.
	// Zero replays without pacing.
	Speed float64

	// Loop restarts from the first line at end of file.
	Loop bool

	Clock clock.Clock
}

// Replay plays a candump log back as if it arrived live on a bus.
type Replay struct {
	bus  string
	path string
	opts ReplayOptions
}

func NewReplay(bus, path string, opts ReplayOptions) *Replay {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Replay{bus: bus, path: path, opts: opts}
}

func (r *Replay) Bus() string { return r.bus }

func (r *Replay) Connect(ctx context.Context) (Conn, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open replay log: %w", err)
	}
	return &replayConn{r: r, file: f, scanner: bufio.NewScanner(f)}, nil
}

type replayConn struct {
	r       *Replay
	file    *os.File
	scanner *bufio.Scanner
	line    int

	// prev is the recorded wall time of the previous frame.
	prev time.Time
}

func (c *replayConn) ReadFrame(ctx context.Context) (can.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return can.Frame{}, err
		}

		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return can.Frame{}, fmt.Errorf("replay %s:%d: %w", c.r.path, c.line, err)
			}
			if !c.r.opts.Loop || c.line == 0 {
				return can.Frame{}, ErrEndOfStream
			}
			if err := c.rewind(); err != nil {
				return can.Frame{}, err
			}
			continue
		}
		c.line++

		text := strings.TrimSpace(c.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		f, err := can.ParseCandump(text)
		if err != nil {
			return can.Frame{}, fmt.Errorf("replay %s:%d: %w", c.r.path, c.line, err)
		}

		if err := c.pace(ctx, f.Time.Wall); err != nil {
			return can.Frame{}, err
		}

		f.Bus = c.r.bus
		f.Time = can.Timestamp{}
		return f, nil
	}
}

// pace sleeps for the recorded gap since the previous frame.
func (c *replayConn) pace(ctx context.Context, recorded time.Time) error {
	defer func() { c.prev = recorded }()

	if c.r.opts.Speed == 0 || c.prev.IsZero() {
		return nil
	}
	gap := recorded.Sub(c.prev)
	if gap <= 0 {
		return nil
	}

	wait := time.Duration(float64(gap) / c.r.opts.Speed)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.r.opts.Clock.After(wait):
		return nil
	}
}

func (c *replayConn) rewind() error {
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind replay log: %w", err)
	}
	c.scanner = bufio.NewScanner(c.file)
	c.line = 0
	c.prev = time.Time{}
	return nil
}

func (c *replayConn) Close() error {
	if err := c.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
