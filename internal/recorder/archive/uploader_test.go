package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/carlogger/internal/recorder/can"
	"github.com/autopeer-io/carlogger/internal/recorder/segment"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    int
	puts    []string
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Upload(_ context.Context, key, path, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("connection refused")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.objects[key] = data
	m.puts = append(m.puts, key)
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *memStore) putOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.puts...)
}

// sealSegments writes n single-frame segments to dir and returns their infos.
func sealSegments(t *testing.T, dir string, n int) []segment.Info {
	t.Helper()
	var sealed []segment.Info
	w, err := segment.NewWriter(segment.Config{
		Dir:       dir,
		Bus:       "can0",
		Sequencer: segment.NewSequencer(1),
		Sealed:    func(i segment.Info) { sealed = append(sealed, i) },
	})
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		f := can.Frame{
			Bus:  "can0",
			Time: can.Timestamp{Mono: time.Duration(i) * time.Second, Wall: start.Add(time.Duration(i) * time.Second)},
			ID:   0x123,
			Len:  1,
			Data: []byte{byte(i)},
		}
		require.NoError(t, w.Write(f))
		require.NoError(t, w.Seal(segment.ReasonQuiet))
	}
	require.NoError(t, w.Close(context.Background()))
	require.Len(t, sealed, n)
	return sealed
}

func newTestUploader(t *testing.T, store ObjectStore, dir string, deleteAfter bool) *Uploader {
	t.Helper()
	u, err := NewUploader(Config{
		Store:             store,
		Dir:               dir,
		VehicleID:         "veh-1",
		Prefix:            "fleet",
		DeleteAfterUpload: deleteAfter,
		Retry:             wait.Backoff{Duration: 5 * time.Millisecond, Factor: 1, Steps: 1 << 20},
	})
	require.NoError(t, err)
	return u
}

func run(t *testing.T, u *Uploader) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, u.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestKey(t *testing.T) {
	u := newTestUploader(t, newMemStore(), t.TempDir(), false)
	assert.Equal(t, "fleet/veh-1/can0/x.cbor", u.Key("can0", "x.cbor"))
}

func TestBackfillUploadsMissingSegments(t *testing.T) {
	dir := t.TempDir()
	infos := sealSegments(t, dir, 3)
	store := newMemStore()

	// The first segment is already archived.
	first := infos[0]
	u := newTestUploader(t, store, dir, false)
	store.objects[u.Key("can0", filepath.Base(first.Path))] = []byte("x")
	store.objects[u.Key("can0", filepath.Base(first.MetaPath()))] = []byte("x")

	stop := run(t, u)
	defer stop()

	require.Eventually(t, func() bool { return len(store.keys()) == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, store.putOrder(), 4)
	assert.Equal(t, 0, u.Pending())

	// Data goes before its sidecar.
	order := store.putOrder()
	assert.Equal(t, u.Key("can0", filepath.Base(infos[1].Path)), order[0])
	assert.Equal(t, u.Key("can0", filepath.Base(infos[1].MetaPath())), order[1])
}

func TestUploadRetriesAndDeletes(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	u := newTestUploader(t, store, dir, true)

	infos := sealSegments(t, dir, 2)
	store.fail = 3
	for _, info := range infos {
		u.Enqueue(info)
		u.Enqueue(info)
	}

	stop := run(t, u)
	defer stop()

	require.Eventually(t, func() bool { return len(store.keys()) == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, info := range infos {
			if _, err := os.Stat(info.Path); err == nil {
				return false
			}
			if _, err := os.Stat(info.MetaPath()); err == nil {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, store.putOrder(), 4, "a segment enqueued twice uploads once")
}

func TestEnqueueIgnoresUnsealed(t *testing.T) {
	u := newTestUploader(t, newMemStore(), t.TempDir(), false)
	u.Enqueue(segment.Info{Status: segment.StatusPartial, Path: "/x.partial"})
	assert.Equal(t, 0, u.Pending())
}

func TestNewUploaderValidates(t *testing.T) {
	_, err := NewUploader(Config{VehicleID: "v"})
	assert.Error(t, err)
	_, err = NewUploader(Config{Store: newMemStore()})
	assert.Error(t, err)
}
