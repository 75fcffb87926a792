package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autopeer-io/carlogger/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/carlogger/pkg/log"
	pkgmqtt "github.com/autopeer-io/carlogger/pkg/mqtt"
	"github.com/autopeer-io/carlogger/pkg/mqtt/topic"
)

// Presence is the retained liveness payload.
type Presence struct {
	VehicleID string `json:"vehicleId"`
	Online    bool   `json:"online"`
	Reason    string `json:"reason,omitempty"`
}

// Will returns the last-will topic and payload that mark the recorder
// offline when the connection drops without a goodbye.
func Will(topics *topic.Builder, vehicleID string) (string, []byte) {
	payload, _ := json.Marshal(Presence{VehicleID: vehicleID, Online: false, Reason: "connection lost"})
	return topics.Build(paths.Online, vehicleID), payload
}

// Server owns the recorder's broker connection: it connects, announces
// presence and disconnects on shutdown. Position and shutdown topics ride
// on the same client.
type Server struct {
	client    pkgmqtt.Client
	topics    *topic.Builder
	vehicleID string
}

// NewServer creates the link server. The client must already be started
// so other components can subscribe before the connection is up.
func NewServer(client pkgmqtt.Client, builder *topic.Builder, vehicleID string) *Server {
	return &Server{
		client:    client,
		topics:    builder,
		vehicleID: vehicleID,
	}
}

// Start waits for the connection, publishes presence and blocks until ctx
// is done. An unreachable broker is not an error; recording goes on.
func (s *Server) Start(ctx context.Context) error {
	// Ensure MQTT disconnects when Start exits
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.client.IsConnected() {
			s.announce(shutdownCtx, false, "shutdown")
		}
		log.Info("Disconnecting MQTT client...")
		s.client.Disconnect(shutdownCtx)
	}()

	log.Info("Waiting for MQTT connection...")
	if err := s.client.AwaitConnection(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log.Info("MQTT Connected")
	s.announce(ctx, true, "")

	<-ctx.Done()
	return nil
}

func (s *Server) announce(ctx context.Context, online bool, reason string) {
	payload, _ := json.Marshal(Presence{VehicleID: s.vehicleID, Online: online, Reason: reason})
	t := s.topics.Build(paths.Online, s.vehicleID)
	if err := s.client.Publish(ctx, t, 1, true, payload); err != nil {
		log.Warn("Failed to publish presence", "topic", t, "online", online, "err", err)
	}
}
