// Package statusview renders the coordinator's point-in-time snapshot into
// the wire shape used by the GET /status endpoint. The
// registration_confirmed "server_status" payload is the coordinator's own
// Snapshot, not this View.
package statusview

import (
	"time"

	"github.com/antoniostano/voicecoord/internal/coordinator"
	"github.com/antoniostano/voicecoord/internal/observability"
	"github.com/antoniostano/voicecoord/internal/registry"
)

// View is the JSON-facing server status document.
type View struct {
	ServerTime     time.Time                    `json:"server_time"`
	TotalAgents    int                          `json:"total_agents"`
	CurrentSpeaker string                       `json:"current_speaker,omitempty"`
	QueueLength    int                          `json:"queue_length"`
	StatusCounts   map[registry.Status]int      `json:"status_counts"`
	QueueWait      observability.WaitStats      `json:"queue_wait_stats"`
}

// Snapshotter is the subset of internal/coordinator's API statusview needs.
type Snapshotter interface {
	Snapshot() coordinator.Snapshot
}

// WaitStatsSource is the subset of internal/observability's API statusview
// needs; metrics are optional, so this may be nil.
type WaitStatsSource interface {
	WaitStats() observability.WaitStats
}

// Build renders the current View from the coordinator's snapshot and, if
// metrics is non-nil, the recent queue-wait window.
func Build(coord Snapshotter, metrics WaitStatsSource) View {
	snap := coord.Snapshot()
	v := View{
		ServerTime:     snap.ServerTime,
		TotalAgents:    snap.TotalAgents,
		CurrentSpeaker: snap.CurrentSpeaker,
		QueueLength:    snap.QueueLength,
		StatusCounts:   snap.CountsByStatus,
	}
	if metrics != nil {
		v.QueueWait = metrics.WaitStats()
	}
	return v
}
