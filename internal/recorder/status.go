package recorder

import (
	"time"

	"github.com/autopeer-io/carlogger/internal/recorder/activity"
	"github.com/autopeer-io/carlogger/internal/recorder/pipeline"
	"github.com/autopeer-io/carlogger/internal/recorder/position"
	"github.com/autopeer-io/carlogger/internal/recorder/trigger"
)

// BusStatus joins a pipeline's counters with its activity state.
type BusStatus struct {
	pipeline.Status
	Activity *activity.State `json:"activity,omitempty"`
}

// Status is the /status snapshot.
type Status struct {
	VehicleID string          `json:"vehicleId"`
	Uptime    time.Duration   `json:"uptime"`
	Buses     []BusStatus     `json:"buses"`
	Trigger   *trigger.Status `json:"trigger,omitempty"`
	Position  *position.Fix   `json:"position,omitempty"`
	Archive   *ArchiveStatus  `json:"archive,omitempty"`
}

type ArchiveStatus struct {
	Pending int `json:"pending"`
}

func (r *Recorder) Status() Status {
	now := r.tb.Now()
	st := Status{
		VehicleID: r.cfg.VehicleID,
		Uptime:    now.Mono,
		Position:  r.positions.Latest(),
	}
	for _, p := range r.pipelines {
		bs := BusStatus{Status: p.Status()}
		if a, ok := r.detector.Current(p.Bus()); ok {
			bs.Activity = &a
		}
		st.Buses = append(st.Buses, bs)
	}
	if r.trigger != nil {
		ts := r.trigger.Status()
		st.Trigger = &ts
	}
	if r.uploader != nil {
		st.Archive = &ArchiveStatus{Pending: r.uploader.Pending()}
	}
	return st
}
