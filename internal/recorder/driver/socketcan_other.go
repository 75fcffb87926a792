//go:build !linux

package driver

import (
	"context"
	"fmt"
	"runtime"
)

// SocketCAN is only available on Linux; elsewhere Connect always fails so
// the pipeline reports the bus as down.
type SocketCAN struct {
	bus   string
	iface string
}

func NewSocketCAN(bus, iface string) *SocketCAN {
	return &SocketCAN{bus: bus, iface: iface}
}

func (s *SocketCAN) Bus() string { return s.bus }

func (s *SocketCAN) Connect(ctx context.Context) (Conn, error) {
	return nil, fmt.Errorf("socketcan %s: not supported on %s", s.iface, runtime.GOOS)
}
