package ws

import (
	"time"

	"antares/internal/pipeline"
)

// SourceMetrics is the per-source entry of a performance message.
type SourceMetrics struct {
	Name string `json:"name"`
	pipeline.PerformanceSnapshot
}

// PerformanceMessage is pushed to every dashboard client on each tick.
type PerformanceMessage struct {
	Type      string           `json:"type"` // "performance"
	Timestamp time.Time        `json:"timestamp"`
	Sources   []SourceMetrics  `json:"sources"`
	Summary   pipeline.Summary `json:"summary"`
}

// NewPerformanceMessage builds a message from the current snapshots, which
// are indexed by source id like configs.
func NewPerformanceMessage(configs []pipeline.SourceConfig, snapshots []pipeline.PerformanceSnapshot) *PerformanceMessage {
	msg := &PerformanceMessage{
		Type:      "performance",
		Timestamp: time.Now(),
		Sources:   make([]SourceMetrics, len(snapshots)),
		Summary:   pipeline.Summarize(snapshots),
	}
	for i, s := range snapshots {
		name := ""
		if i < len(configs) {
			name = configs[i].Name
		}
		msg.Sources[i] = SourceMetrics{Name: name, PerformanceSnapshot: s.Rounded()}
	}
	return msg
}
