// Package can defines the frame record captured from a bus and the
// can-utils candump text form used for import and export.
package can

import (
	"fmt"
	"strings"
	"time"
)

// Timestamp pairs a monotonic offset with a wall-clock label. Interval logic
// uses Mono only; Wall exists for file names, markers and humans.
type Timestamp struct {
	Mono time.Duration `json:"mono"`
	Wall time.Time     `json:"wall"`
}

// Sub returns the monotonic interval t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return t.Mono - u.Mono
}

// Add shifts both clocks by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{Mono: t.Mono + d, Wall: t.Wall.Add(d)}
}

// Before orders timestamps by their monotonic component.
func (t Timestamp) Before(u Timestamp) bool {
	return t.Mono < u.Mono
}

// IsZero reports whether t was never set.
func (t Timestamp) IsZero() bool {
	return t.Mono == 0 && t.Wall.IsZero()
}

// Flags qualify a frame.
type Flags uint8

const (
	// FlagExtended marks a 29-bit identifier.
	FlagExtended Flags = 1 << iota
	// FlagRemote marks a remote transmission request.
	FlagRemote
	// FlagError marks an error frame reported by the controller.
	FlagError
	// FlagFD marks a CAN FD frame.
	FlagFD
	// FlagBRS marks an FD frame sent with bit rate switch.
	FlagBRS
	// FlagESI marks an FD frame whose sender was error passive.
	FlagESI
)

// Has reports whether all bits of x are set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	names := []string{"EXT", "RTR", "ERR", "FD", "BRS", "ESI"}
	var parts []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

// Identifier limits.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

// Payload limits.
const (
	MaxDataLen   = 8
	MaxFDDataLen = 64
)

// Frame is one message captured from a bus. Frames are immutable once
// captured; Data must not be modified after the frame is handed on.
type Frame struct {
	Bus   string    `json:"bus"`
	Time  Timestamp `json:"time"`
	ID    uint32    `json:"id"`
	Flags Flags     `json:"flags"`
	Len   uint8     `json:"len"`
	Data  []byte    `json:"data"`
}

// Validate checks identifier range and payload length against the flags.
func (f Frame) Validate() error {
	maxID := uint32(MaxStandardID)
	if f.Flags.Has(FlagExtended) || f.Flags.Has(FlagError) {
		maxID = MaxExtendedID
	}
	if f.ID > maxID {
		return fmt.Errorf("can id %#x exceeds %#x", f.ID, maxID)
	}

	maxLen := MaxDataLen
	if f.Flags.Has(FlagFD) {
		maxLen = MaxFDDataLen
		if f.Flags.Has(FlagRemote) {
			return fmt.Errorf("fd frames cannot be remote requests")
		}
	}
	if int(f.Len) > maxLen {
		return fmt.Errorf("length %d exceeds %d", f.Len, maxLen)
	}
	if !f.Flags.Has(FlagRemote) && len(f.Data) != int(f.Len) {
		return fmt.Errorf("length %d does not match %d payload bytes", f.Len, len(f.Data))
	}
	return nil
}

// Clone returns a copy that does not share the payload slice.
func (f Frame) Clone() Frame {
	if f.Data != nil {
		f.Data = append([]byte(nil), f.Data...)
	}
	return f
}

func (f Frame) String() string {
	return string(AppendCandump(nil, f))
}
