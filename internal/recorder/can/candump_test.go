package can

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandumpRoundTrip(t *testing.T) {
	wall := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

	tests := []struct {
		name  string
		frame Frame
		line  string
	}{
		{
			name:  "standard data",
			frame: Frame{Bus: "can0", ID: 0x123, Len: 4, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
			line:  "(1741944413.589793) can0 123#DEADBEEF\n",
		},
		{
			name:  "extended data",
			frame: Frame{Bus: "can1", ID: 0x18FEF100, Flags: FlagExtended, Len: 2, Data: []byte{0x01, 0x02}},
			line:  "(1741944413.589793) can1 18FEF100#0102\n",
		},
		{
			name:  "remote",
			frame: Frame{Bus: "can0", ID: 0x7DF, Flags: FlagRemote},
			line:  "(1741944413.589793) can0 7DF#R\n",
		},
		{
			name:  "remote with length",
			frame: Frame{Bus: "can0", ID: 0x12345, Flags: FlagRemote | FlagExtended, Len: 3},
			line:  "(1741944413.589793) can0 00012345#R3\n",
		},
		{
			name:  "empty payload",
			frame: Frame{Bus: "can0", ID: 0x001, Data: []byte{}},
			line:  "(1741944413.589793) can0 001#\n",
		},
		{
			name: "fd with brs",
			frame: Frame{Bus: "can0", ID: 0x456, Flags: FlagFD | FlagBRS, Len: 12,
				Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
			line: "(1741944413.589793) can0 456##10102030405060708090A0B0C\n",
		},
		{
			name:  "error frame",
			frame: Frame{Bus: "can0", ID: 0x4, Flags: FlagError, Len: 8, Data: make([]byte, 8)},
			line:  "(1741944413.589793) can0 20000004#0000000000000000\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.frame.Time.Wall = wall
			got := string(AppendCandump(nil, tt.frame))
			assert.Equal(t, tt.line, got)

			parsed, err := ParseCandump(got)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.ID, parsed.ID)
			assert.Equal(t, tt.frame.Flags, parsed.Flags)
			assert.Equal(t, tt.frame.Len, parsed.Len)
			assert.Equal(t, tt.frame.Bus, parsed.Bus)
			assert.True(t, wall.Truncate(time.Microsecond).Equal(parsed.Time.Wall))
			if !tt.frame.Flags.Has(FlagRemote) {
				assert.Equal(t, len(tt.frame.Data), len(parsed.Data))
				assert.Equal(t, []byte(tt.frame.Data), append([]byte{}, parsed.Data...))
			}
		})
	}
}

func TestParseCandumpRejects(t *testing.T) {
	bad := []string{
		"",
		"(1.0) can0",
		"(abc.0) can0 123#00",
		"(1.0) can0 123-00",
		"(1.0) can0 XYZ#00",
		"(1.0) can0 123#0",
		"(1.0) can0 123#000000000000000000",
		"(1.0) can0 123##1000000000000000000",
		"(1.0) can0 800#00",
		"(1.0) can0 123#R9",
	}
	for _, line := range bad {
		_, err := ParseCandump(line)
		assert.Error(t, err, line)
	}
}

func TestFrameValidate(t *testing.T) {
	assert.NoError(t, Frame{ID: 0x7FF, Len: 1, Data: []byte{1}}.Validate())
	assert.Error(t, Frame{ID: 0x800}.Validate())
	assert.NoError(t, Frame{ID: 0x800, Flags: FlagExtended, Data: []byte{}}.Validate())
	assert.Error(t, Frame{ID: 1, Len: 9, Data: make([]byte, 9)}.Validate())
	assert.NoError(t, Frame{ID: 1, Flags: FlagFD, Len: 64, Data: make([]byte, 64)}.Validate())
	assert.Error(t, Frame{ID: 1, Flags: FlagFD | FlagRemote}.Validate())
	assert.Error(t, Frame{ID: 1, Len: 2, Data: []byte{1}}.Validate())
}

func TestTimestamp(t *testing.T) {
	wall := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Timestamp{Mono: time.Second, Wall: wall}
	b := a.Add(2 * time.Second)

	assert.Equal(t, 2*time.Second, b.Sub(a))
	assert.True(t, a.Before(b))
	assert.True(t, Timestamp{}.IsZero())
	assert.Equal(t, "EXT|FD", (FlagExtended | FlagFD).String())
	assert.Equal(t, "-", Flags(0).String())
}
