package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "carlogger"

// Registry holds every recorder metric and is served on /metrics.
var Registry = prometheus.NewRegistry()

// Drop reasons.
const (
	DropQueue   = "queue"
	DropBacklog = "backlog"
)

var (
	// FramesReceived counts frames read from a bus driver.
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from the bus driver.",
		},
		[]string{"bus"},
	)

	// FramesWritten counts frames accepted by the segment writer.
	FramesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Frames accepted into a segment.",
		},
		[]string{"bus"},
	)

	// FramesDropped counts frames lost to resource exhaustion.
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a bounded buffer was full.",
		},
		[]string{"bus", "reason"}, // reason: queue/backlog
	)

	// QueueDepth is the number of items waiting for the writer.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in the ingest-to-writer queue.",
		},
		[]string{"bus"},
	)

	// SegmentsSealed counts segments finalized, by roll reason.
	SegmentsSealed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sealed_total",
			Help:      "Segments sealed, labelled by the reason for the roll.",
		},
		[]string{"bus", "reason"},
	)

	// WriteErrors counts failed segment I/O operations.
	WriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Segment write, flush or seal operations that failed.",
		},
		[]string{"bus"},
	)

	// BusActive is 1 while the bus is classified Active.
	BusActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_active",
			Help:      "1 when the bus is Active, 0 when Quiet.",
		},
		[]string{"bus"},
	)

	// BusUp is 1 while the driver connection is established.
	BusUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_up",
			Help:      "1 when the bus driver is connected, 0 otherwise.",
		},
		[]string{"bus"},
	)

	// BusReconnects counts driver connection attempts after a failure.
	BusReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "Driver reconnect attempts.",
		},
		[]string{"bus"},
	)

	// TriggerPhase is 1 for the shutdown trigger's current phase.
	TriggerPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trigger_phase",
			Help:      "Current shutdown trigger phase (one-hot).",
		},
		[]string{"phase"},
	)

	// MarkerWrites counts shutdown marker write attempts.
	MarkerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marker_writes_total",
			Help:      "Shutdown marker writes by result.",
		},
		[]string{"result"}, // result: success/failed/dry-run
	)

	// Uploads counts archive uploads by result.
	Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_uploads_total",
			Help:      "Segment uploads to object storage by result.",
		},
		[]string{"result"},
	)

	// SealLatency observes how long sealing a segment takes.
	SealLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "seal_duration_seconds",
			Help:      "Time spent flushing, compressing and renaming a segment.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"bus"},
	)
)

// SetTriggerPhase marks phase as the only active trigger phase.
func SetTriggerPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		TriggerPhase.WithLabelValues(p).Set(v)
	}
}

// BoolGauge converts b to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		FramesReceived,
		FramesWritten,
		FramesDropped,
		QueueDepth,
		SegmentsSealed,
		WriteErrors,
		BusActive,
		BusUp,
		BusReconnects,
		TriggerPhase,
		MarkerWrites,
		Uploads,
		SealLatency,
	)
}
