package paths

// Topic segments shared between the in-vehicle recorder and the fleet backend.
// Every topic is built as {root}/{segment}/{vehicleID}.

// Downstream: Cloud -> Vehicle
const (
	// Position carries GNSS fixes relayed by the telematics unit.
	// Payload: { "lat": 52.1, "lon": 4.3, "time": "2025-01-01T00:00:00Z", "quality": 1 }
	// Pattern: {root}/position/{vehicleID}
	Position = "position"
)

// Upstream: Vehicle -> Cloud
const (
	// Online reports recorder liveness. The offline payload doubles as the
	// connection's last will.
	// Payload: { "vehicleId": "...", "online": true/false, "reason": "..." }
	// Pattern: {root}/recorder/online/{vehicleID}
	Online = "recorder/online"

	// Shutdown announces a scheduled shutdown written by the trigger.
	// Payload: { "vehicleId": "...", "fireTime": "...", "distanceMeters": 12.5 }
	// Pattern: {root}/shutdown/scheduled/{vehicleID}
	Shutdown = "shutdown/scheduled"
)
