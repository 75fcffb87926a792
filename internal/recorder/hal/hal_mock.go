//go:build !linux

package hal

import (
	"github.com/autopeer-io/carlogger/pkg/log"
)

// MockLED logs state changes on development machines without GPIO.
type MockLED struct {
	pin int
}

func openPlatform(pin int) (LED, error) {
	return &MockLED{pin: pin}, nil
}

func (m *MockLED) Set(on bool) error {
	log.Debug("[HAL-Mock] Busy LED", "pin", m.pin, "on", on)
	return nil
}

func (m *MockLED) Close() error { return nil }
