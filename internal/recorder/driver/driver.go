// Package driver adapts frame sources (SocketCAN interfaces, recorded
// candump logs, in-memory fakes) to one connect/read contract.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

var (
	// ErrUnsupportedScheme is returned by Open for unknown URI schemes.
	ErrUnsupportedScheme = errors.New("unsupported bus driver scheme")

	// ErrEndOfStream reports that a finite source has nothing more to
	// deliver. Reconnecting will not produce more frames.
	ErrEndOfStream = errors.New("end of frame stream")

	// ErrClosed is returned when reading from a closed connection.
	ErrClosed = errors.New("connection closed")
)

// Driver produces connections to one bus.
type Driver interface {
	// Bus is the identifier the recorder files frames under.
	Bus() string

	// Connect opens a new connection. It may block until ctx is done.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one live connection to a bus.
type Conn interface {
	// ReadFrame blocks until a frame arrives, the connection fails or ctx is
	// done. Returned frames carry no arrival timestamp; the caller stamps it.
	ReadFrame(ctx context.Context) (can.Frame, error)

	Close() error
}

// Open builds a driver from a bus URI:
//
//	socketcan://can0
//	replay:///var/log/can/drive.log?bus=can0&speed=1&loop=true
//
// A "name=" prefix overrides the bus identifier: body=socketcan://can1.
func Open(uri string, clk clock.Clock) (Driver, error) {
	name, raw, hasName := strings.Cut(uri, "=")
	if !hasName || strings.Contains(name, ":") {
		name, raw = "", uri
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse bus uri %q: %w", uri, err)
	}

	switch u.Scheme {
	case "socketcan":
		iface := u.Host
		if iface == "" {
			iface = strings.Trim(u.Path, "/")
		}
		if iface == "" {
			return nil, fmt.Errorf("bus uri %q: missing interface name", uri)
		}
		if name == "" {
			name = iface
		}
		return NewSocketCAN(name, iface), nil

	case "replay":
		if u.Path == "" {
			return nil, fmt.Errorf("bus uri %q: missing log file path", uri)
		}
		q := u.Query()
		if name == "" {
			name = q.Get("bus")
		}
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(u.Path), filepath.Ext(u.Path))
		}
		speed := 1.0
		if s := q.Get("speed"); s != "" {
			if speed, err = strconv.ParseFloat(s, 64); err != nil || speed < 0 {
				return nil, fmt.Errorf("bus uri %q: bad speed %q", uri, s)
			}
		}
		loop := false
		if s := q.Get("loop"); s != "" {
			if loop, err = strconv.ParseBool(s); err != nil {
				return nil, fmt.Errorf("bus uri %q: bad loop %q", uri, s)
			}
		}
		return NewReplay(name, u.Path, ReplayOptions{Speed: speed, Loop: loop, Clock: clk}), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
