//go:build linux

package driver

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

func rawFrame(mtu int, id uint32, length uint8, fdFlags byte, data []byte) []byte {
	b := make([]byte, mtu)
	binary.NativeEndian.PutUint32(b[0:4], id)
	b[4] = length
	b[5] = fdFlags
	copy(b[8:], data)
	return b
}

func TestDecodeRaw(t *testing.T) {
	f, err := decodeRaw(rawFrame(canMTU, 0x123, 2, 0, []byte{0xAA, 0xBB}))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x123), f.ID)
	assert.Equal(t, can.Flags(0), f.Flags)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Data)

	f, err = decodeRaw(rawFrame(canMTU, 0x18FEF100|unix.CAN_EFF_FLAG, 0, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x18FEF100), f.ID)
	assert.True(t, f.Flags.Has(can.FlagExtended))

	f, err = decodeRaw(rawFrame(canMTU, 0x7DF|unix.CAN_RTR_FLAG, 8, 0, nil))
	require.NoError(t, err)
	assert.True(t, f.Flags.Has(can.FlagRemote))
	assert.Nil(t, f.Data)

	f, err = decodeRaw(rawFrame(canfdMTU, 0x456, 12, canfdBRS, make([]byte, 12)))
	require.NoError(t, err)
	assert.True(t, f.Flags.Has(can.FlagFD|can.FlagBRS))
	assert.Len(t, f.Data, 12)

	f, err = decodeRaw(rawFrame(canMTU, 0x4|unix.CAN_ERR_FLAG, 8, 0, make([]byte, 8)))
	require.NoError(t, err)
	assert.True(t, f.Flags.Has(can.FlagError))
	assert.Equal(t, uint32(0x4), f.ID)

	_, err = decodeRaw(make([]byte, 10))
	assert.Error(t, err)

	_, err = decodeRaw(rawFrame(canMTU, 0x1, 9, 0, nil))
	assert.Error(t, err)
}
