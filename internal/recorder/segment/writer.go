// Package segment persists captured frames as an ordered series of
// self-contained segment files per bus, sealed atomically.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/carlogger/internal/pkg/fsutil"
	"github.com/autopeer-io/carlogger/internal/pkg/metrics"
	"github.com/autopeer-io/carlogger/internal/recorder/activity"
	"github.com/autopeer-io/carlogger/internal/recorder/can"
	"github.com/autopeer-io/carlogger/pkg/log"
)

var (
	// ErrWriterFailed is returned once storage failures exhausted every
	// retry. The open segment has been moved aside as partial.
	ErrWriterFailed = errors.New("segment writer failed")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("segment writer closed")

	// ErrBacklogFull reports a frame dropped while storage was degraded.
	ErrBacklogFull = errors.New("segment backlog full")
)

// Indicator is switched on while a segment is open.
type Indicator interface {
	Set(on bool) error
}

// Config tunes a Writer.
type Config struct {
	Dir         string
	Bus         string
	Codec       Codec
	Compression Compression

	// Ceilings that force a roll during continuous activity. Zero disables.
	MaxBytes    int64
	MaxDuration time.Duration
	MaxFrames   uint64

	// BufferSize is the number of encoded bytes held before a write.
	BufferSize int
	// BacklogFrames bounds the frames held while storage is failing.
	BacklogFrames int
	// Retry schedules recovery attempts; Steps is the retry limit.
	Retry wait.Backoff

	Sequencer *Sequencer
	Clock     clock.Clock
	Indicator Indicator

	// Sealed is called after a segment has been durably sealed.
	Sealed func(Info)
}

// DefaultRetry is the storage retry schedule used when none is configured.
func DefaultRetry() wait.Backoff {
	return wait.Backoff{Duration: 100 * time.Millisecond, Factor: 2, Jitter: 0.1, Steps: 6, Cap: 5 * time.Second}
}

// segmentFile is the part of *os.File the writer uses.
type segmentFile interface {
	io.Writer
	io.Seeker
	Sync() error
	Close() error
	Truncate(size int64) error
}

func openFile(name string, flag int, perm os.FileMode) (segmentFile, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Writer owns the open segment of one bus. It is not safe for concurrent
// use; the pipeline's writer goroutine is its only caller.
type Writer struct {
	cfg Config

	cur      *Info
	f        segmentFile
	buf      []byte
	durable  int64
	openFile func(string, int, os.FileMode) (segmentFile, error)

	backlog       []deferred
	backlogFrames int
	degraded      bool
	replaying     bool
	attempts      int
	backoff       wait.Backoff
	retryAt       time.Time

	failed bool
	closed bool
	lit    bool
}

// deferred is a backlog entry: a frame, or a seal requested while degraded.
type deferred struct {
	frame can.Frame
	seal  Reason
}

// NewWriter validates cfg and returns an idle writer; the first frame opens
// a segment.
func NewWriter(cfg Config) (*Writer, error) {
	if !fsutil.IsDir(cfg.Dir) {
		return nil, fmt.Errorf("segment directory %q does not exist", cfg.Dir)
	}
	if !ValidBusName(cfg.Bus) {
		return nil, fmt.Errorf("invalid bus name %q", cfg.Bus)
	}
	if cfg.Codec == nil {
		cfg.Codec = cborCodec{}
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 << 10
	}
	if cfg.BacklogFrames <= 0 {
		cfg.BacklogFrames = 10000
	}
	if cfg.Retry.Duration <= 0 {
		cfg.Retry = DefaultRetry()
	}
	if cfg.Sequencer == nil {
		seq, err := LoadSequencer(cfg.Dir)
		if err != nil {
			return nil, err
		}
		cfg.Sequencer = seq
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Writer{cfg: cfg, buf: make([]byte, 0, cfg.BufferSize), openFile: openFile}, nil
}

// Current returns a copy of the open segment, if any.
func (w *Writer) Current() (Info, bool) {
	if w.cur == nil {
		return Info{}, false
	}
	return *w.cur, true
}

// Degraded reports whether storage is failing and frames are backlogged.
func (w *Writer) Degraded() bool { return w.degraded }

// Backlog is the number of frames waiting for storage to recover.
func (w *Writer) Backlog() int { return w.backlogFrames }

// Write appends f to the open segment, opening or rolling one as needed.
// A nil return means the frame is retained: buffered, on disk or in the
// backlog. ErrBacklogFull means it was dropped.
func (w *Writer) Write(f can.Frame) error {
	if w.closed {
		return ErrClosed
	}
	if w.failed {
		return ErrWriterFailed
	}
	if w.degraded && !w.cfg.Clock.Now().Before(w.retryAt) {
		if err := w.retry(); err != nil {
			return err
		}
	}
	return w.write(f)
}

func (w *Writer) write(f can.Frame) error {
	if w.degraded {
		return w.enqueueBacklog(f)
	}

	if w.cur != nil {
		if reason, ok := w.ceiling(f); ok {
			if err := w.seal(reason); err != nil {
				return err
			}
			if w.degraded {
				return w.enqueueBacklog(f)
			}
		}
	}

	if w.cur == nil {
		if err := w.open(f.Time); err != nil {
			w.backlog = append(w.backlog, deferred{frame: f})
			w.backlogFrames++
			return w.degrade(fmt.Errorf("open segment: %w", err))
		}
	}

	n := len(w.buf)
	var err error
	w.buf, err = w.cfg.Codec.Append(w.buf, f)
	if err != nil {
		w.buf = w.buf[:n]
		return err
	}

	w.cur.Frames++
	w.cur.Bytes += int64(len(w.buf) - n)
	w.cur.End = f.Time
	metrics.FramesWritten.WithLabelValues(w.cfg.Bus).Inc()

	if len(w.buf) >= w.cfg.BufferSize {
		return w.flush()
	}
	return nil
}

func (w *Writer) ceiling(f can.Frame) (Reason, bool) {
	switch {
	case w.cfg.MaxFrames > 0 && w.cur.Frames >= w.cfg.MaxFrames:
		return ReasonFrames, true
	case w.cfg.MaxBytes > 0 && w.cur.Bytes >= w.cfg.MaxBytes:
		return ReasonSize, true
	case w.cfg.MaxDuration > 0 && f.Time.Mono-w.cur.Start.Mono >= w.cfg.MaxDuration:
		return ReasonDuration, true
	}
	return "", false
}

func (w *Writer) enqueueBacklog(f can.Frame) error {
	if w.backlogFrames >= w.cfg.BacklogFrames {
		metrics.FramesDropped.WithLabelValues(w.cfg.Bus, metrics.DropBacklog).Inc()
		return ErrBacklogFull
	}
	w.backlog = append(w.backlog, deferred{frame: f})
	w.backlogFrames++
	return nil
}

// deferSeal queues a seal behind the frames already backlogged.
func (w *Writer) deferSeal(reason Reason) {
	if n := len(w.backlog); n > 0 && w.backlog[n-1].seal != "" {
		return
	}
	w.backlog = append(w.backlog, deferred{seal: reason})
}

// MaybeRoll applies the activity transition of the writer's bus: the start
// of an activity period opens a fresh segment with the next frame, and the
// end of one seals the open segment.
func (w *Writer) MaybeRoll(tr activity.Transition) error {
	switch {
	case tr.StartsActivity():
		return w.Seal(ReasonActivity)
	case tr.EndsActivity():
		return w.Seal(ReasonQuiet)
	}
	return nil
}

// Seal closes the open segment, if any. While storage is degraded the seal
// is queued behind the backlogged frames.
func (w *Writer) Seal(reason Reason) error {
	if w.closed {
		return ErrClosed
	}
	if w.failed {
		return ErrWriterFailed
	}
	if w.degraded {
		w.deferSeal(reason)
		return nil
	}
	return w.seal(reason)
}

// Sync writes buffered records and drives storage recovery. The pipeline
// calls it on its flush interval.
func (w *Writer) Sync() error {
	if w.closed {
		return ErrClosed
	}
	if w.failed {
		return ErrWriterFailed
	}
	if w.degraded {
		if w.cfg.Clock.Now().Before(w.retryAt) {
			return nil
		}
		return w.retry()
	}
	return w.flush()
}

// Close seals the open segment. A degraded writer keeps retrying until its
// retry budget or ctx runs out; whatever cannot be written is left as a
// partial segment.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	defer func() {
		w.closed = true
		w.setIndicator(false)
	}()

	if w.failed {
		return nil
	}
	for {
		for w.degraded {
			if d := w.retryAt.Sub(w.cfg.Clock.Now()); d > 0 {
				select {
				case <-ctx.Done():
					return w.fail(ctx.Err())
				case <-w.cfg.Clock.After(d):
				}
			}
			if err := w.retry(); err != nil {
				return err
			}
		}
		if err := w.seal(ReasonShutdown); err != nil {
			return err
		}
		if !w.degraded {
			return nil
		}
	}
}

func (w *Writer) open(t can.Timestamp) error {
	start := t
	if start.Wall.IsZero() {
		start.Wall = w.cfg.Clock.Now()
	}
	seq, err := w.cfg.Sequencer.Next()
	if err != nil {
		return err
	}
	info := &Info{
		Seq:         seq,
		Bus:         w.cfg.Bus,
		Start:       start,
		End:         start,
		Status:      StatusOpen,
		Codec:       w.cfg.Codec.Name(),
		Compression: w.cfg.Compression,
	}
	info.Path = filepath.Join(w.cfg.Dir, info.Name().File())

	f, err := w.openFile(info.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.cur, w.f, w.durable = info, f, 0
	w.buf = w.buf[:0]
	w.setIndicator(true)
	log.Debug("Opened segment", "bus", w.cfg.Bus, "seq", info.Seq, "path", info.Path)
	return nil
}

// flush hands the buffer to the file. On failure the buffer is kept so the
// retry can rewrite it after truncating to the durable size.
func (w *Writer) flush() error {
	if w.f == nil || len(w.buf) == 0 {
		return nil
	}
	if _, err := w.f.Write(w.buf); err != nil {
		return w.degrade(fmt.Errorf("write %s: %w", w.cur.Path, err))
	}
	w.durable += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// seal runs flush, fsync, close, compress, metadata, rename, dir sync.
// Failures before the rename leave the .open file in place and degrade
// the writer with the seal pending.
func (w *Writer) seal(reason Reason) error {
	if w.cur == nil {
		return nil
	}
	started := time.Now()
	info := w.cur

	if err := w.flush(); err != nil || w.degraded {
		w.deferSeal(reason)
		return err
	}
	if w.f != nil {
		if err := w.f.Sync(); err != nil {
			w.deferSeal(reason)
			return w.degrade(fmt.Errorf("fsync %s: %w", info.Path, err))
		}
		if err := w.f.Close(); err != nil {
			w.f = nil
			w.deferSeal(reason)
			return w.degrade(fmt.Errorf("close %s: %w", info.Path, err))
		}
		w.f = nil
	}

	sealed := *info
	sealed.Status = StatusSealed
	sealed.Reason = reason
	sealed.SealedAt = w.cfg.Clock.Now().UTC()
	sealed.StoredBytes = w.durable
	sealed.Path = filepath.Join(w.cfg.Dir, sealed.Name().File())

	if err := finishSeal(info.Path, &sealed); err != nil {
		w.deferSeal(reason)
		return w.degrade(err)
	}

	w.cur, w.durable = nil, 0
	w.setIndicator(false)

	metrics.SegmentsSealed.WithLabelValues(w.cfg.Bus, string(reason)).Inc()
	metrics.SealLatency.WithLabelValues(w.cfg.Bus).Observe(time.Since(started).Seconds())
	log.Info("Sealed segment", "bus", w.cfg.Bus, "seq", sealed.Seq, "frames", sealed.Frames,
		"bytes", sealed.Bytes, "reason", string(reason), "path", sealed.Path)

	if w.cfg.Sealed != nil {
		w.cfg.Sealed(sealed)
	}
	return nil
}

// finishSeal turns a closed .open file into its sealed form. It is shared
// with startup recovery, which completes seals interrupted after the
// metadata was written.
func finishSeal(openPath string, sealed *Info) error {
	dir := filepath.Dir(openPath)
	tmp := sealed.Path + tmpSuffix
	_ = os.Remove(tmp)

	if sealed.Compression != CompressionNone {
		size, err := compressFile(sealed.Compression, openPath, tmp)
		if err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("compress %s: %w", openPath, err)
		}
		sealed.StoredBytes = size
	}

	if err := writeMeta(metaPathFor(dir, sealed.Name()), *sealed); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write metadata: %w", err)
	}

	if sealed.Compression != CompressionNone {
		if err := os.Rename(tmp, sealed.Path); err != nil {
			return fmt.Errorf("rename %s: %w", tmp, err)
		}
		if err := os.Remove(openPath); err != nil {
			log.Warn("Failed to remove uncompressed segment", "path", openPath, "err", err)
		}
	} else if err := os.Rename(openPath, sealed.Path); err != nil {
		return fmt.Errorf("rename %s: %w", openPath, err)
	}

	return fsutil.SyncDir(dir)
}

func (w *Writer) degrade(cause error) error {
	metrics.WriteErrors.WithLabelValues(w.cfg.Bus).Inc()
	if !w.degraded {
		w.degraded = true
		// A failure while replaying the backlog continues the same outage.
		if !w.replaying {
			w.attempts = 0
			w.backoff = w.cfg.Retry
			log.Warn("Segment storage degraded, buffering frames", "bus", w.cfg.Bus, "err", cause)
		}
	}
	w.attempts++
	if w.attempts > w.cfg.Retry.Steps {
		return w.fail(cause)
	}
	w.retryAt = w.cfg.Clock.Now().Add(w.backoff.Step())
	return nil
}

// retry truncates the open file to its durable size, rewrites the buffered
// records, then replays the backlog and any deferred seal.
func (w *Writer) retry() error {
	if w.cur != nil {
		if err := w.reopen(); err != nil {
			return w.degrade(err)
		}
		if len(w.buf) > 0 {
			if _, err := w.f.Write(w.buf); err != nil {
				return w.degrade(fmt.Errorf("rewrite %s: %w", w.cur.Path, err))
			}
			w.durable += int64(len(w.buf))
			w.buf = w.buf[:0]
		}
	}

	replayed := w.backlogFrames
	w.degraded, w.replaying = false, true
	defer func() { w.replaying = false }()

	backlog := w.backlog
	w.backlog, w.backlogFrames = nil, 0
	for _, d := range backlog {
		var err error
		switch {
		case d.seal == "":
			err = w.write(d.frame)
		case w.degraded:
			w.deferSeal(d.seal)
		default:
			err = w.seal(d.seal)
		}
		if err != nil && !errors.Is(err, ErrBacklogFull) {
			return err
		}
	}
	if w.degraded {
		return nil
	}

	log.Info("Segment storage recovered", "bus", w.cfg.Bus, "attempts", w.attempts, "backlog", replayed)
	w.attempts = 0
	return nil
}

func (w *Writer) reopen() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	f, err := w.openFile(w.cur.Path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", w.cur.Path, err)
	}
	if err := f.Truncate(w.durable); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate %s: %w", w.cur.Path, err)
	}
	if _, err := f.Seek(w.durable, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek %s: %w", w.cur.Path, err)
	}
	w.f = f
	return nil
}

// fail abandons the open segment as partial. Buffered and backlogged frames
// are lost and counted.
func (w *Writer) fail(cause error) error {
	w.failed = true
	lost := w.backlogFrames
	w.backlog, w.backlogFrames = nil, 0
	if lost > 0 {
		metrics.FramesDropped.WithLabelValues(w.cfg.Bus, metrics.DropBacklog).Add(float64(lost))
	}

	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	if w.cur != nil {
		partial := w.cur.Name()
		partial.Status = StatusPartial
		path := filepath.Join(w.cfg.Dir, partial.File())
		if err := os.Rename(w.cur.Path, path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error(err, "Failed to mark segment partial", "path", w.cur.Path)
		} else {
			_ = fsutil.SyncDir(w.cfg.Dir)
		}
		w.cur = nil
	}
	w.setIndicator(false)

	log.Error(cause, "Segment writer gave up", "bus", w.cfg.Bus, "attempts", w.attempts, "lostFrames", lost)
	return fmt.Errorf("%w: bus %s: %w", ErrWriterFailed, w.cfg.Bus, cause)
}

func (w *Writer) setIndicator(on bool) {
	if w.cfg.Indicator == nil || w.lit == on {
		return
	}
	w.lit = on
	if err := w.cfg.Indicator.Set(on); err != nil {
		log.Debug("Busy indicator update failed", "err", err)
	}
}
