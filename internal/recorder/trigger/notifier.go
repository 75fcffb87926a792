package trigger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autopeer-io/carlogger/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/carlogger/pkg/mqtt/topic"
)

// FireEvent describes a fired trigger.
type FireEvent struct {
	VehicleID      string    `json:"vehicleId"`
	FireTime       time.Time `json:"fireTime"`
	DistanceMeters float64   `json:"distanceMeters"`
	DryRun         bool      `json:"dryRun"`
}

// Notifier announces a fired trigger. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev FireEvent) error
}

// Publisher is the part of the MQTT client the notifier uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error
}

// MQTTNotifier publishes fire events on {root}/shutdown/scheduled/{vehicle}.
type MQTTNotifier struct {
	client Publisher
	topic  string
}

func NewMQTTNotifier(client Publisher, topics *topic.Builder, vehicleID string) *MQTTNotifier {
	return &MQTTNotifier{client: client, topic: topics.Build(paths.Shutdown, vehicleID)}
}

func (n *MQTTNotifier) Notify(ctx context.Context, ev FireEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.topic, 1, false, payload)
}
