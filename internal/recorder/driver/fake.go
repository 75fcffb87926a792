package driver

import (
	"context"
	"errors"
	"sync"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

// Fake is an in-memory driver. Tests and bench setups push frames and
// failures into it.
type Fake struct {
	bus    string
	events chan fakeEvent

	mu           sync.Mutex
	failConnects int
	connects     int
	connected    bool
}

type fakeEvent struct {
	frame can.Frame
	err   error
}

// NewFake creates a fake driver whose Send blocks until a reader takes the
// frame.
func NewFake(bus string) *Fake {
	return &Fake{bus: bus, events: make(chan fakeEvent)}
}

func (f *Fake) Bus() string { return f.bus }

// FailConnects makes the next n Connect calls fail.
func (f *Fake) FailConnects(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failConnects = n
}

// Connects returns how many Connect calls were made.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Connected reports whether a connection is currently open.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Send delivers a frame to the open connection.
func (f *Fake) Send(ctx context.Context, frame can.Frame) error {
	select {
	case f.events <- fakeEvent{frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Break fails the current connection's next read with err.
func (f *Fake) Break(ctx context.Context, err error) error {
	if err == nil {
		err = errors.New("fake bus error")
	}
	select {
	case f.events <- fakeEvent{err: err}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) Connect(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return nil, errors.New("fake connect failure")
	}
	f.connected = true
	return &fakeConn{f: f}, nil
}

type fakeConn struct {
	f      *Fake
	closed bool
}

func (c *fakeConn) ReadFrame(ctx context.Context) (can.Frame, error) {
	if c.closed {
		return can.Frame{}, ErrClosed
	}
	select {
	case ev := <-c.f.events:
		if ev.err != nil {
			return can.Frame{}, ev.err
		}
		return ev.frame, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closed = true
	c.f.mu.Lock()
	c.f.connected = false
	c.f.mu.Unlock()
	return nil
}
