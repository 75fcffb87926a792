// Package hal drives the recorder's busy LED.
package hal

import (
	"sync"
)

// LED is a single output line.
type LED interface {
	Set(on bool) error
	Close() error
}

// Open returns the busy LED on the given GPIO pin. Pin 0 disables it.
func Open(pin int) (LED, error) {
	if pin == 0 {
		return nopLED{}, nil
	}
	return openPlatform(pin)
}

type nopLED struct{}

func (nopLED) Set(bool) error { return nil }
func (nopLED) Close() error   { return nil }

// Shared lets several buses drive one LED: it is lit while any of them
// holds it on.
type Shared struct {
	led LED

	mu  sync.Mutex
	lit int
}

func NewShared(led LED) *Shared {
	return &Shared{led: led}
}

// Handle returns an indicator for one bus.
func (s *Shared) Handle() *Handle {
	return &Handle{shared: s}
}

// Close switches the LED off and releases it.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lit = 0
	_ = s.led.Set(false)
	return s.led.Close()
}

func (s *Shared) change(delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.lit > 0
	s.lit += delta
	after := s.lit > 0
	if before == after {
		return nil
	}
	return s.led.Set(after)
}

// Handle is one bus's view of a Shared LED.
type Handle struct {
	shared *Shared
	on     bool
}

// Set is idempotent per handle.
func (h *Handle) Set(on bool) error {
	if h.on == on {
		return nil
	}
	h.on = on
	if on {
		return h.shared.change(1)
	}
	return h.shared.change(-1)
}
