package position

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autopeer-io/carlogger/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/carlogger/pkg/log"
	pkgmqtt "github.com/autopeer-io/carlogger/pkg/mqtt"
	"github.com/autopeer-io/carlogger/pkg/mqtt/topic"
)

// Subscriber is the part of the MQTT client a position source needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, qos int, handler pkgmqtt.MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
}

// MQTT receives fixes published on {root}/position/{vehicle}. The client
// connection is owned elsewhere; the source only subscribes.
type MQTT struct {
	client Subscriber
	topic  string
}

// NewMQTT builds a source for the vehicle's position topic.
func NewMQTT(client Subscriber, topics *topic.Builder, vehicleID string) *MQTT {
	return &MQTT{client: client, topic: topics.Build(paths.Position, vehicleID)}
}

// Topic is the subscribed topic.
func (m *MQTT) Topic() string { return m.topic }

type fixMessage struct {
	Lat     *float64  `json:"lat"`
	Lon     *float64  `json:"lon"`
	Time    time.Time `json:"time"`
	Quality *int      `json:"quality"`
}

// DecodeFix parses a position payload. A payload without a quality field
// counts as a valid fix.
func DecodeFix(payload []byte) (Fix, error) {
	var msg fixMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Fix{}, fmt.Errorf("decode position: %w", err)
	}
	if msg.Lat == nil || msg.Lon == nil {
		return Fix{}, fmt.Errorf("position without lat/lon")
	}
	f := Fix{Lat: *msg.Lat, Lon: *msg.Lon, FixTime: msg.Time, Quality: 1}
	if msg.Quality != nil {
		f.Quality = *msg.Quality
	}
	return f, f.Validate()
}

func (m *MQTT) Run(ctx context.Context, sink func(Fix)) error {
	handler := func(_ context.Context, topic string, payload []byte) {
		f, err := DecodeFix(payload)
		if err != nil {
			log.Warn("Ignoring position message", "topic", topic, "err", err)
			return
		}
		sink(f)
	}

	if err := m.client.Subscribe(ctx, m.topic, 1, handler); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.topic, err)
	}
	log.Info("Listening for position fixes", "topic", m.topic)

	<-ctx.Done()

	unsubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Unsubscribe(unsubCtx, m.topic); err != nil {
		log.Debug("Position unsubscribe failed", "err", err)
	}
	return nil
}
