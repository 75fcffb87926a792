//go:build linux

package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

const (
	canMTU   = 16
	canfdMTU = 72

	canfdBRS = 0x01
	canfdESI = 0x02

	// pollInterval bounds how long a read waits before rechecking ctx.
	pollInterval = 500 * time.Millisecond
)

// SocketCAN reads raw frames from a Linux CAN network interface.
type SocketCAN struct {
	bus   string
	iface string
}

func NewSocketCAN(bus, iface string) *SocketCAN {
	return &SocketCAN{bus: bus, iface: iface}
}

func (s *SocketCAN) Bus() string { return s.bus }

func (s *SocketCAN) Connect(ctx context.Context) (Conn, error) {
	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", s.iface, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("interface %s is down", s.iface)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	// FD frames are optional; older kernels reject the option.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enable fd frames: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enable error frames: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", s.iface, err)
	}

	// A non-blocking fd makes the file pollable, so read deadlines work.
	return &socketConn{file: os.NewFile(uintptr(fd), "can:"+s.iface)}, nil
}

type socketConn struct {
	file *os.File
	buf  [canfdMTU]byte
}

func (c *socketConn) ReadFrame(ctx context.Context) (can.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return can.Frame{}, err
		}
		if err := c.file.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return can.Frame{}, err
		}

		n, err := c.file.Read(c.buf[:])
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return can.Frame{}, ErrClosed
			}
			return can.Frame{}, err
		}

		return decodeRaw(c.buf[:n])
	}
}

func (c *socketConn) Close() error {
	return c.file.Close()
}

// decodeRaw converts a struct can_frame or struct canfd_frame.
func decodeRaw(b []byte) (can.Frame, error) {
	if len(b) != canMTU && len(b) != canfdMTU {
		return can.Frame{}, fmt.Errorf("short read: %d bytes", len(b))
	}

	raw := binary.NativeEndian.Uint32(b[0:4])
	f := can.Frame{Len: b[4]}

	switch {
	case raw&unix.CAN_ERR_FLAG != 0:
		f.Flags |= can.FlagError
		f.ID = raw & unix.CAN_ERR_MASK
	case raw&unix.CAN_EFF_FLAG != 0:
		f.Flags |= can.FlagExtended
		f.ID = raw & unix.CAN_EFF_MASK
	default:
		f.ID = raw & unix.CAN_SFF_MASK
	}

	if len(b) == canfdMTU {
		f.Flags |= can.FlagFD
		if b[5]&canfdBRS != 0 {
			f.Flags |= can.FlagBRS
		}
		if b[5]&canfdESI != 0 {
			f.Flags |= can.FlagESI
		}
	} else if raw&unix.CAN_RTR_FLAG != 0 {
		f.Flags |= can.FlagRemote
		return f, nil
	}

	end := 8 + int(f.Len)
	if end > len(b) {
		return can.Frame{}, fmt.Errorf("length %d overruns %d byte frame", f.Len, len(b))
	}
	f.Data = append([]byte(nil), b[8:end]...)
	return f, nil
}
