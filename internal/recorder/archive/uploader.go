// Package archive ships sealed segments to object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/pkg/fsutil"
	"github.com/autopeer-io/carlogger/internal/pkg/metrics"
	"github.com/autopeer-io/carlogger/internal/recorder/segment"
	"github.com/autopeer-io/carlogger/pkg/log"
)

const (
	contentTypeData = "application/octet-stream"
	contentTypeMeta = "application/json"
)

// Config wires an Uploader.
type Config struct {
	Store     ObjectStore
	Dir       string
	VehicleID string
	Prefix    string
	// DeleteAfterUpload removes the local data and metadata files once both
	// objects are stored.
	DeleteAfterUpload bool
	Retry             wait.Backoff
	Clock             clock.WithTicker
}

// Uploader uploads sealed segments in the order they were sealed. A failed
// upload is retried with backoff and blocks the ones behind it; recording
// is never affected.
type Uploader struct {
	cfg Config

	mu      sync.Mutex
	pending []segment.Info
	queued  map[string]bool
	kick    chan struct{}
}

// NewUploader returns an idle uploader; Run starts it.
func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Store == nil {
		return nil, errors.New("archive needs an object store")
	}
	if cfg.VehicleID == "" {
		return nil, errors.New("archive needs a vehicle id")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Retry.Duration <= 0 {
		cfg.Retry = wait.Backoff{Duration: 30 * time.Second, Factor: 2, Jitter: 0.1, Steps: 1 << 30, Cap: 10 * time.Minute}
	}
	return &Uploader{
		cfg:    cfg,
		queued: map[string]bool{},
		kick:   make(chan struct{}, 1),
	}, nil
}

// Key is the object key for a local segment file.
func (u *Uploader) Key(bus, file string) string {
	return path.Join(u.cfg.Prefix, u.cfg.VehicleID, bus, file)
}

// Enqueue schedules a sealed segment. It never blocks, so it can be used
// as the writer's sealed hook.
func (u *Uploader) Enqueue(info segment.Info) {
	if info.Status != segment.StatusSealed {
		return
	}
	u.mu.Lock()
	if u.queued[info.Path] {
		u.mu.Unlock()
		return
	}
	u.queued[info.Path] = true
	u.pending = append(u.pending, info)
	u.mu.Unlock()

	select {
	case u.kick <- struct{}{}:
	default:
	}
}

// Pending is the number of segments waiting for upload.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// Backfill queues every sealed segment in the directory whose metadata
// object is missing remotely.
func (u *Uploader) Backfill(ctx context.Context) error {
	infos, err := segment.List(u.cfg.Dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", u.cfg.Dir, err)
	}
	var queued int
	for _, info := range infos {
		if info.Status != segment.StatusSealed {
			continue
		}
		exists, err := u.cfg.Store.Exists(ctx, u.Key(info.Bus, filepath.Base(info.MetaPath())))
		if err != nil {
			return err
		}
		if exists {
			if u.cfg.DeleteAfterUpload {
				u.removeLocal(info)
			}
			continue
		}
		u.Enqueue(info)
		queued++
	}
	log.Info("Archive backfill scanned", "segments", len(infos), "queued", queued)
	return nil
}

// Run backfills and then uploads queued segments until ctx is done.
func (u *Uploader) Run(ctx context.Context) error {
	if err := u.Backfill(ctx); err != nil && ctx.Err() == nil {
		log.Error(err, "Archive backfill failed, continuing with new segments")
	}

	backoff := u.cfg.Retry
	for {
		info, ok := u.head()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-u.kick:
				continue
			}
		}

		if err := u.upload(ctx, info); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.Uploads.WithLabelValues("failed").Inc()
			delay := backoff.Step()
			log.Warn("Segment upload failed, will retry", "segment", filepath.Base(info.Path), "retryIn", delay, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-u.cfg.Clock.After(delay):
			}
			continue
		}

		backoff = u.cfg.Retry
		metrics.Uploads.WithLabelValues("success").Inc()
		u.pop(info)
	}
}

func (u *Uploader) head() (segment.Info, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return segment.Info{}, false
	}
	return u.pending[0], true
}

func (u *Uploader) pop(info segment.Info) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) > 0 && u.pending[0].Path == info.Path {
		u.pending = u.pending[1:]
	}
	delete(u.queued, info.Path)
}

// upload stores the data object first, then the metadata object, so a
// remote sidecar always means a complete segment.
func (u *Uploader) upload(ctx context.Context, info segment.Info) error {
	if !fsutil.Exists(info.Path) {
		log.Warn("Sealed segment vanished before upload", "segment", info.Path)
		return nil
	}
	dataKey := u.Key(info.Bus, filepath.Base(info.Path))
	if err := u.cfg.Store.Upload(ctx, dataKey, info.Path, contentTypeData); err != nil {
		return err
	}
	meta := info.MetaPath()
	if err := u.cfg.Store.Upload(ctx, u.Key(info.Bus, filepath.Base(meta)), meta, contentTypeMeta); err != nil {
		return err
	}
	log.Debug("Segment archived", "key", dataKey)

	if u.cfg.DeleteAfterUpload {
		u.removeLocal(info)
	}
	return nil
}

func (u *Uploader) removeLocal(info segment.Info) {
	for _, p := range []string{info.Path, info.MetaPath()} {
		if err := fsutil.RemoveIfExists(p); err != nil {
			log.Warn("Failed to remove archived file", "path", p, "err", err)
		}
	}
}
