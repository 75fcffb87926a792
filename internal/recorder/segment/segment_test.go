package segment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/carlogger/internal/recorder/activity"
	"github.com/autopeer-io/carlogger/internal/recorder/can"
)

var epoch = time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

func testFrames(n int, step time.Duration) []can.Frame {
	out := make([]can.Frame, n)
	for i := range out {
		d := time.Duration(i) * step
		out[i] = can.Frame{
			Bus:  "can0",
			Time: can.Timestamp{Mono: time.Second + d, Wall: epoch.Add(d)},
			ID:   0x100 + uint32(i),
			Len:  3,
			Data: []byte{byte(i), 0xAA, 0x55},
		}
	}
	return out
}

func assertSameFrames(t *testing.T, want, got []can.Frame) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Time.Mono, got[i].Time.Mono, "frame %d mono", i)
		assert.True(t, want[i].Time.Wall.Equal(got[i].Time.Wall), "frame %d wall", i)
		assert.Equal(t, want[i].ID, got[i].ID, "frame %d id", i)
		assert.Equal(t, want[i].Flags, got[i].Flags, "frame %d flags", i)
		assert.Equal(t, want[i].Len, got[i].Len, "frame %d len", i)
		assert.Equal(t, want[i].Data, got[i].Data, "frame %d data", i)
		assert.Equal(t, "can0", got[i].Bus)
	}
}

func readDir(t *testing.T, dir string) []can.Frame {
	t.Helper()
	infos, err := List(dir)
	require.NoError(t, err)
	var all []can.Frame
	for _, info := range infos {
		frames, err := ReadAll(info.Path)
		require.NoError(t, err)
		all = append(all, frames...)
	}
	return all
}

type recordingIndicator struct{ states []bool }

func (r *recordingIndicator) Set(on bool) error {
	r.states = append(r.states, on)
	return nil
}

func newTestWriter(t *testing.T, mutate func(*Config)) (*Writer, *[]Info) {
	t.Helper()
	var sealed []Info
	cfg := Config{
		Dir:       t.TempDir(),
		Bus:       "can0",
		Sequencer: NewSequencer(1),
		Clock:     clocktesting.NewFakeClock(epoch),
		Sealed:    func(i Info) { sealed = append(sealed, i) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	return w, &sealed
}

func TestSegmentsReproduceInput(t *testing.T) {
	w, sealed := newTestWriter(t, func(c *Config) { c.MaxFrames = 3 })
	in := testFrames(10, 10*time.Millisecond)

	for _, f := range in {
		require.NoError(t, w.Write(f))
	}
	require.NoError(t, w.Close(context.Background()))

	require.Len(t, *sealed, 4)
	for i, info := range *sealed {
		assert.Equal(t, uint64(i+1), info.Seq)
		assert.Equal(t, StatusSealed, info.Status)
	}
	assert.Equal(t, ReasonFrames, (*sealed)[0].Reason)
	assert.Equal(t, ReasonShutdown, (*sealed)[3].Reason)
	assert.Equal(t, uint64(1), (*sealed)[3].Frames)

	assertSameFrames(t, in, readDir(t, w.cfg.Dir))

	assert.ErrorIs(t, w.Write(in[0]), ErrClosed)
}

func TestMaybeRollFollowsActivity(t *testing.T) {
	ind := &recordingIndicator{}
	w, sealed := newTestWriter(t, func(c *Config) { c.Indicator = ind })
	in := testFrames(3, time.Second)

	require.NoError(t, w.Write(in[0]))
	require.NoError(t, w.Write(in[1]))
	require.NoError(t, w.MaybeRoll(activity.Transition{Bus: "can0", From: activity.Active, To: activity.Quiet}))
	_, open := w.Current()
	assert.False(t, open)

	require.NoError(t, w.MaybeRoll(activity.Transition{Bus: "can0", From: activity.Quiet, To: activity.Active}))
	require.NoError(t, w.Write(in[2]))
	require.NoError(t, w.MaybeRoll(activity.Transition{}))
	require.NoError(t, w.Close(context.Background()))

	require.Len(t, *sealed, 2)
	assert.Equal(t, ReasonQuiet, (*sealed)[0].Reason)
	assert.Equal(t, uint64(2), (*sealed)[0].Frames)
	assert.Equal(t, in[1].Time.Mono, (*sealed)[0].End.Mono)
	assert.Equal(t, ReasonShutdown, (*sealed)[1].Reason)
	assert.Equal(t, []bool{true, false, true, false}, ind.states)

	assertSameFrames(t, in, readDir(t, w.cfg.Dir))
}

func TestDurationCeiling(t *testing.T) {
	w, sealed := newTestWriter(t, func(c *Config) { c.MaxDuration = 2 * time.Second })

	for _, f := range testFrames(5, time.Second) {
		require.NoError(t, w.Write(f))
	}
	require.NoError(t, w.Close(context.Background()))

	require.Len(t, *sealed, 3)
	assert.Equal(t, ReasonDuration, (*sealed)[0].Reason)
	assert.Equal(t, uint64(2), (*sealed)[0].Frames)
}

func TestSizeCeiling(t *testing.T) {
	in := testFrames(10, 10*time.Millisecond)
	record, err := cborCodec{}.Append(nil, in[0])
	require.NoError(t, err)
	limit := int64(3 * len(record))

	w, sealed := newTestWriter(t, func(c *Config) { c.MaxBytes = limit })
	for _, f := range in {
		require.NoError(t, w.Write(f))
	}
	require.NoError(t, w.Close(context.Background()))

	require.GreaterOrEqual(t, len(*sealed), 3)
	last := len(*sealed) - 1
	for i, info := range (*sealed)[:last] {
		assert.Equal(t, ReasonSize, info.Reason, "segment %d", i)
		assert.GreaterOrEqual(t, info.Bytes, limit, "segment %d", i)
	}
	assert.Equal(t, ReasonShutdown, (*sealed)[last].Reason)

	assertSameFrames(t, in, readDir(t, w.cfg.Dir))
}

func TestSealCompresses(t *testing.T) {
	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			w, sealed := newTestWriter(t, func(cfg *Config) { cfg.Compression = c })
			in := testFrames(200, time.Millisecond)
			for _, f := range in {
				require.NoError(t, w.Write(f))
			}
			require.NoError(t, w.Close(context.Background()))

			require.Len(t, *sealed, 1)
			info := (*sealed)[0]
			assert.True(t, strings.HasSuffix(info.Path, ".cbor"+c.Ext()))
			assert.Less(t, info.StoredBytes, info.Bytes)

			entries, err := os.ReadDir(w.cfg.Dir)
			require.NoError(t, err)
			for _, e := range entries {
				assert.False(t, strings.HasSuffix(e.Name(), openSuffix), e.Name())
			}

			meta, err := ReadMeta(info.MetaPath())
			require.NoError(t, err)
			assert.Equal(t, c, meta.Compression)
			assert.Equal(t, uint64(200), meta.Frames)

			assertSameFrames(t, in, readDir(t, w.cfg.Dir))
		})
	}
}

func TestCandumpSegments(t *testing.T) {
	w, sealed := newTestWriter(t, func(c *Config) { c.Codec = candumpCodec{} })
	in := testFrames(4, 100*time.Millisecond)
	for _, f := range in {
		require.NoError(t, w.Write(f))
	}
	require.NoError(t, w.Close(context.Background()))
	require.Len(t, *sealed, 1)
	assert.True(t, strings.HasSuffix((*sealed)[0].Path, ".log"))

	got, err := ReadAll((*sealed)[0].Path)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := range in {
		assert.True(t, in[i].Time.Wall.Equal(got[i].Time.Wall))
		assert.Equal(t, in[i].Data, got[i].Data)
		assert.Equal(t, time.Duration(0), got[i].Time.Mono)
	}
}

// flakyFile fails the next *fails writes after writing half the data.
type flakyFile struct {
	*os.File
	fails *int
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if *f.fails > 0 {
		*f.fails--
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("injected write failure")
	}
	return f.File.Write(p)
}

func withFlakyFiles(w *Writer, fails *int) {
	w.openFile = func(name string, flag int, perm os.FileMode) (segmentFile, error) {
		f, err := os.OpenFile(name, flag, perm)
		if err != nil {
			return nil, err
		}
		return &flakyFile{File: f, fails: fails}, nil
	}
}

func retryEverySecond(steps int) wait.Backoff {
	return wait.Backoff{Duration: time.Second, Factor: 1, Steps: steps}
}

func TestDegradedWriterRecovers(t *testing.T) {
	fails := 1
	w, sealed := newTestWriter(t, func(c *Config) {
		c.BufferSize = 1
		c.Retry = retryEverySecond(3)
	})
	withFlakyFiles(w, &fails)
	clk := w.cfg.Clock.(*clocktesting.FakeClock)
	in := testFrames(3, time.Millisecond)

	require.NoError(t, w.Write(in[0]))
	assert.True(t, w.Degraded())

	require.NoError(t, w.Write(in[1]))
	require.NoError(t, w.Seal(ReasonSignal))
	assert.Equal(t, 1, w.Backlog())

	// Not yet due.
	require.NoError(t, w.Sync())
	assert.True(t, w.Degraded())

	clk.Step(time.Second)
	require.NoError(t, w.Sync())
	assert.False(t, w.Degraded())
	assert.Zero(t, w.Backlog())

	require.NoError(t, w.Write(in[2]))
	require.NoError(t, w.Close(context.Background()))

	// The seal was requested after in[1] was backlogged, so it closes both.
	require.Len(t, *sealed, 2)
	assert.Equal(t, ReasonSignal, (*sealed)[0].Reason)
	assert.Equal(t, uint64(2), (*sealed)[0].Frames)
	assertSameFrames(t, in, readDir(t, w.cfg.Dir))
}

func TestWriterFailsAfterRetries(t *testing.T) {
	fails := 1000
	w, sealed := newTestWriter(t, func(c *Config) {
		c.BufferSize = 1
		c.Retry = retryEverySecond(2)
	})
	withFlakyFiles(w, &fails)
	clk := w.cfg.Clock.(*clocktesting.FakeClock)

	in := testFrames(1, time.Millisecond)
	require.NoError(t, w.Write(in[0]))

	clk.Step(time.Second)
	require.NoError(t, w.Sync())
	clk.Step(time.Second)
	err := w.Sync()
	require.ErrorIs(t, err, ErrWriterFailed)

	assert.ErrorIs(t, w.Write(in[0]), ErrWriterFailed)
	assert.Empty(t, *sealed)

	infos, err := List(w.cfg.Dir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, StatusPartial, infos[0].Status)
	assert.True(t, strings.HasSuffix(infos[0].Path, partialSuffix))
}

func TestWriterFailsWhenSegmentCannotBeOpened(t *testing.T) {
	w, sealed := newTestWriter(t, func(c *Config) { c.Retry = retryEverySecond(2) })
	opens := 0
	w.openFile = func(string, int, os.FileMode) (segmentFile, error) {
		opens++
		return nil, errors.New("injected open failure")
	}
	clk := w.cfg.Clock.(*clocktesting.FakeClock)

	in := testFrames(1, time.Millisecond)
	require.NoError(t, w.Write(in[0]))
	assert.True(t, w.Degraded())
	assert.Equal(t, 1, w.Backlog())

	var err error
	for i := 0; i < 20 && err == nil; i++ {
		clk.Step(10 * time.Second)
		err = w.Sync()
	}
	require.ErrorIs(t, err, ErrWriterFailed)
	assert.Equal(t, 3, opens)
	assert.Zero(t, w.Backlog())
	assert.Empty(t, *sealed)
	assert.ErrorIs(t, w.Write(in[0]), ErrWriterFailed)
}

func TestBacklogOverflowDrops(t *testing.T) {
	fails := 1000
	w, _ := newTestWriter(t, func(c *Config) {
		c.BufferSize = 1
		c.BacklogFrames = 2
		c.Retry = retryEverySecond(5)
	})
	withFlakyFiles(w, &fails)

	in := testFrames(4, time.Millisecond)
	require.NoError(t, w.Write(in[0]))
	require.NoError(t, w.Write(in[1]))
	require.NoError(t, w.Write(in[2]))
	assert.ErrorIs(t, w.Write(in[3]), ErrBacklogFull)
	assert.Equal(t, 2, w.Backlog())
}

func TestCloseRetriesDegradedWriter(t *testing.T) {
	fails := 1
	w, sealed := newTestWriter(t, func(c *Config) {
		c.BufferSize = 1
		c.Retry = wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 3}
		c.Clock = clock.RealClock{}
	})
	withFlakyFiles(w, &fails)

	in := testFrames(2, time.Millisecond)
	require.NoError(t, w.Write(in[0]))
	require.NoError(t, w.Write(in[1]))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	require.Len(t, *sealed, 1)
	assert.Equal(t, ReasonShutdown, (*sealed)[0].Reason)
	assertSameFrames(t, in, readDir(t, w.cfg.Dir))
}

func TestNewWriterValidates(t *testing.T) {
	_, err := NewWriter(Config{Dir: filepath.Join(t.TempDir(), "missing"), Bus: "can0"})
	assert.Error(t, err)

	_, err = NewWriter(Config{Dir: t.TempDir(), Bus: "bad/bus"})
	assert.Error(t, err)
}
