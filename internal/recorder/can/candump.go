package can

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// errFlagID is the CAN_ERR_FLAG bit candump folds into error frame ids.
const errFlagID = 0x20000000

// fdLengths are the payload sizes a CAN FD frame can carry.
var fdLengths = []uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// AppendCandump appends the candump -l line for f, including the trailing
// newline, using the frame's wall time:
//
//	(1700000000.123456) can0 123#DEADBEEF
//	(1700000000.123456) can0 12345678#R
//	(1700000000.123456) can0 123##1DEADBEEF
func AppendCandump(dst []byte, f Frame) []byte {
	us := f.Time.Wall.UnixMicro()
	sec, frac := us/1_000_000, us%1_000_000
	if frac < 0 {
		sec--
		frac += 1_000_000
	}
	dst = fmt.Appendf(dst, "(%d.%06d) %s ", sec, frac, f.Bus)

	id := f.ID
	switch {
	case f.Flags.Has(FlagError):
		dst = fmt.Appendf(dst, "%08X", id|errFlagID)
	case f.Flags.Has(FlagExtended):
		dst = fmt.Appendf(dst, "%08X", id)
	default:
		dst = fmt.Appendf(dst, "%03X", id)
	}

	switch {
	case f.Flags.Has(FlagRemote):
		dst = append(dst, "#R"...)
		if f.Len > 0 {
			dst = strconv.AppendUint(dst, uint64(f.Len), 10)
		}
	case f.Flags.Has(FlagFD):
		var fl byte
		if f.Flags.Has(FlagBRS) {
			fl |= 1
		}
		if f.Flags.Has(FlagESI) {
			fl |= 2
		}
		dst = fmt.Appendf(dst, "##%X", fl)
		dst = append(dst, strings.ToUpper(hex.EncodeToString(f.Data))...)
	default:
		dst = append(dst, '#')
		dst = append(dst, strings.ToUpper(hex.EncodeToString(f.Data))...)
	}

	return append(dst, '\n')
}

// ParseCandump parses one candump -l line. The returned frame carries the
// logged wall time; its Mono component is left zero.
func ParseCandump(line string) (Frame, error) {
	var f Frame

	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return f, fmt.Errorf("candump: want 3 fields, got %d in %q", len(fields), line)
	}

	ts := strings.TrimSuffix(strings.TrimPrefix(fields[0], "("), ")")
	wall, err := parseCandumpTime(ts)
	if err != nil {
		return f, err
	}
	f.Time.Wall = wall
	f.Bus = fields[1]

	idPart, rest, ok := strings.Cut(fields[2], "#")
	if !ok {
		return f, fmt.Errorf("candump: missing '#' in %q", fields[2])
	}

	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return f, fmt.Errorf("candump: bad id %q: %w", idPart, err)
	}
	switch {
	case len(idPart) == 8 && id&errFlagID != 0:
		f.Flags |= FlagError
		f.ID = uint32(id &^ errFlagID)
	case len(idPart) > 3:
		f.Flags |= FlagExtended
		f.ID = uint32(id)
	default:
		f.ID = uint32(id)
	}

	switch {
	case strings.HasPrefix(rest, "R"):
		f.Flags |= FlagRemote
		if n := rest[1:]; n != "" {
			l, err := strconv.ParseUint(n, 10, 8)
			if err != nil || l > MaxDataLen {
				return f, fmt.Errorf("candump: bad remote length %q", n)
			}
			f.Len = uint8(l)
		}
		return f, nil
	case strings.HasPrefix(rest, "#"):
		if len(rest) < 2 {
			return f, fmt.Errorf("candump: missing fd flags in %q", fields[2])
		}
		fl, err := strconv.ParseUint(rest[1:2], 16, 8)
		if err != nil {
			return f, fmt.Errorf("candump: bad fd flags %q", rest[1:2])
		}
		f.Flags |= FlagFD
		if fl&1 != 0 {
			f.Flags |= FlagBRS
		}
		if fl&2 != 0 {
			f.Flags |= FlagESI
		}
		rest = rest[2:]
	}

	data, err := hex.DecodeString(rest)
	if err != nil {
		return f, fmt.Errorf("candump: bad payload %q: %w", rest, err)
	}
	if f.Flags.Has(FlagFD) && !validFDLength(len(data)) {
		return f, fmt.Errorf("candump: %d is not a valid fd length", len(data))
	}
	f.Data = data
	f.Len = uint8(len(data))

	return f, f.Validate()
}

func parseCandumpTime(s string) (time.Time, error) {
	secStr, fracStr, ok := strings.Cut(s, ".")
	if !ok {
		return time.Time{}, fmt.Errorf("candump: bad timestamp %q", s)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("candump: bad timestamp %q: %w", s, err)
	}
	if len(fracStr) > 9 {
		fracStr = fracStr[:9]
	}
	nanos, err := strconv.ParseInt(fracStr+strings.Repeat("0", 9-len(fracStr)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("candump: bad timestamp %q: %w", s, err)
	}
	return time.Unix(sec, nanos).UTC(), nil
}

func validFDLength(n int) bool {
	for _, l := range fdLengths {
		if int(l) == n {
			return true
		}
	}
	return false
}
