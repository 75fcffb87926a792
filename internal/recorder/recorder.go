// Package recorder composes the bus pipelines, the shutdown trigger and
// their supporting servers into the recorder service.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/carlogger/internal/pkg/timebase"
	"github.com/autopeer-io/carlogger/internal/recorder/activity"
	"github.com/autopeer-io/carlogger/internal/recorder/archive"
	"github.com/autopeer-io/carlogger/internal/recorder/hal"
	"github.com/autopeer-io/carlogger/internal/recorder/pipeline"
	"github.com/autopeer-io/carlogger/internal/recorder/position"
	"github.com/autopeer-io/carlogger/internal/recorder/server"
	httpserver "github.com/autopeer-io/carlogger/internal/recorder/server/http"
	"github.com/autopeer-io/carlogger/internal/recorder/trigger"
	"github.com/autopeer-io/carlogger/pkg/log"
	pkgmqtt "github.com/autopeer-io/carlogger/pkg/mqtt"
)

type Recorder struct {
	cfg  *Config
	lock *flock.Flock
	tb   *timebase.Source

	detector  *activity.Detector
	pipelines []*pipeline.Pipeline
	led       *hal.Shared

	positions *position.Store
	source    position.Source
	trigger   *trigger.Trigger

	uploader *archive.Uploader
	bucket   func(ctx context.Context) error

	mqtt    pkgmqtt.Client
	http    *httpserver.Server
	servers *server.Manager
}

// Run records until ctx is done. Pipelines stop first so every open
// segment is sealed; the trigger, position source, uploader and servers
// stop after them.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.release()

	log.Info("Starting cpeer-recorder", "vehicleID", r.cfg.VehicleID, "buses", r.detector.Buses(),
		"dir", r.cfg.Segment.Dir, "trigger", r.trigger != nil)

	if r.http != nil {
		if err := r.http.Listen(); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
	}

	pipeCtx, stopPipes := context.WithCancel(ctx)
	defer stopPipes()
	auxCtx, stopAux := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAux()

	if r.mqtt != nil {
		if err := r.mqtt.Start(auxCtx); err != nil {
			return fmt.Errorf("start mqtt client: %w", err)
		}
	}

	aux := &errgroup.Group{}
	// A failing auxiliary component stops the whole recorder.
	goAux := func(name string, fn func(context.Context) error) {
		aux.Go(func() error {
			err := fn(auxCtx)
			if err != nil {
				stopPipes()
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	goAux("servers", r.servers.Start)
	if r.source != nil {
		goAux("position", func(ctx context.Context) error {
			return r.source.Run(ctx, func(f position.Fix) {
				if err := r.positions.Update(f); err != nil {
					log.Debug("Dropping invalid position fix", "err", err)
				}
			})
		})
	}
	if r.trigger != nil {
		goAux("trigger", func(ctx context.Context) error {
			return r.trigger.Run(ctx, r.cfg.Clock, r.tb, r.cfg.Trigger.Interval)
		})
	}
	if r.uploader != nil {
		goAux("archive", func(ctx context.Context) error {
			if err := r.bucket(ctx); err != nil {
				log.Error(err, "Object storage unavailable, uploads will be retried")
			}
			return r.uploader.Run(ctx)
		})
	}
	goAux("rotate", r.watchRotate)

	pipes, gctx := errgroup.WithContext(pipeCtx)
	for _, p := range r.pipelines {
		pipes.Go(func() error {
			if err := p.Run(gctx); err != nil {
				return fmt.Errorf("bus %s: %w", p.Bus(), err)
			}
			return nil
		})
	}

	pipeErr := pipes.Wait()
	log.Info("All bus pipelines stopped")
	stopAux()
	auxErr := aux.Wait()

	if err := errors.Join(pipeErr, auxErr); err != nil {
		return err
	}
	log.Info("Recorder stopped")
	return nil
}

// Rotate seals every open segment.
func (r *Recorder) Rotate() {
	for _, p := range r.pipelines {
		p.Rotate()
	}
}

// watchRotate turns SIGHUP into a rotation of every bus.
func (r *Recorder) watchRotate(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			log.Info("SIGHUP received, sealing open segments")
			r.Rotate()
		}
	}
}

// Ready reports an error while any bus is down.
func (r *Recorder) Ready() error {
	var down []string
	for _, p := range r.pipelines {
		st := p.Status()
		if !st.Connected && !st.Ended {
			down = append(down, p.Bus())
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("buses not connected: %s", strings.Join(down, ", "))
	}
	return nil
}

func (r *Recorder) release() {
	if r.led != nil {
		if err := r.led.Close(); err != nil {
			log.Warn("Failed to release busy LED", "err", err)
		}
	}
	if r.lock != nil {
		_ = r.lock.Unlock()
	}
}
