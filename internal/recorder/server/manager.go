package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/carlogger/pkg/log"
)

// Server defines the common interface for the recorder's outward servers
// (status HTTP, MQTT link).
type Server interface {
	Start(ctx context.Context) error
}

// Manager manages the lifecycle of all servers.
type Manager struct {
	servers []Server
}

// NewManager skips nil servers so disabled ones can be passed as is.
func NewManager(servers ...Server) *Manager {
	m := &Manager{}
	for _, s := range servers {
		if s != nil {
			m.servers = append(m.servers, s)
		}
	}
	return m
}

// Len is the number of managed servers.
func (m *Manager) Len() int { return len(m.servers) }

// Start launches all servers in parallel and waits for termination.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.servers) == 0 {
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range m.servers {
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	log.Info("All servers starting...", "count", len(m.servers))
	return g.Wait()
}
