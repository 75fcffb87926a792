package hal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLED struct {
	states []bool
	closed bool
}

func (r *recordingLED) Set(on bool) error {
	r.states = append(r.states, on)
	return nil
}

func (r *recordingLED) Close() error {
	r.closed = true
	return nil
}

func TestSharedLitWhileAnyHandleOn(t *testing.T) {
	led := &recordingLED{}
	s := NewShared(led)
	a, b := s.Handle(), s.Handle()

	require.NoError(t, a.Set(true))
	require.NoError(t, a.Set(true))
	require.NoError(t, b.Set(true))
	require.NoError(t, a.Set(false))
	assert.Equal(t, []bool{true}, led.states)

	require.NoError(t, b.Set(false))
	require.NoError(t, b.Set(false))
	assert.Equal(t, []bool{true, false}, led.states)

	require.NoError(t, s.Close())
	assert.True(t, led.closed)
}

func TestOpenPinZeroIsNop(t *testing.T) {
	led, err := Open(0)
	require.NoError(t, err)
	assert.NoError(t, led.Set(true))
	assert.NoError(t, led.Close())
}

func TestSysfsLED(t *testing.T) {
	root := t.TempDir()
	pinDir := filepath.Join(root, "gpio22")
	require.NoError(t, os.MkdirAll(pinDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pinDir, "direction"), []byte("in"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pinDir, "value"), []byte("0"), 0o644))

	led, err := openSysfs(root, 22)
	require.NoError(t, err)
	defer led.Close()

	dir, err := os.ReadFile(filepath.Join(pinDir, "direction"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(dir))

	require.NoError(t, led.Set(true))
	v, err := os.ReadFile(filepath.Join(pinDir, "value"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	require.NoError(t, led.Set(false))
	v, err = os.ReadFile(filepath.Join(pinDir, "value"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(v))
}

func TestSysfsMissingPin(t *testing.T) {
	_, err := openSysfs(filepath.Join(t.TempDir(), "nogpio"), 5)
	assert.Error(t, err)
}
