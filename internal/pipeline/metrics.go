package pipeline

import (
	"math"
	"time"
)

// minFrameInterval is the smallest elapsed time that yields an fps sample.
// Shorter intervals keep the previous value.
const minFrameInterval = time.Microsecond

// fpsMeter derives instantaneous fps from the time between successfully
// processed frames. It is owned by a single worker goroutine.
type fpsMeter struct {
	last time.Time
	fps  float64
}

// reset sets the reference point used for the first frame.
func (m *fpsMeter) reset(now time.Time) {
	m.last = now
	m.fps = 0
}

// measure returns the fps for a frame finished at now without committing it.
func (m *fpsMeter) measure(now time.Time) float64 {
	elapsed := now.Sub(m.last)
	if elapsed < minFrameInterval {
		return m.fps
	}
	return 1 / elapsed.Seconds()
}

// mark commits a successfully processed frame.
func (m *fpsMeter) mark(now time.Time, fps float64) {
	m.last = now
	m.fps = fps
}

// Round2 rounds v to two decimals, the precision served to clients.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Rounded returns a copy of s with the float fields rounded for display.
func (s PerformanceSnapshot) Rounded() PerformanceSnapshot {
	s.FPS = Round2(s.FPS)
	s.CPU = Round2(s.CPU)
	s.RAM = Round2(s.RAM)
	return s
}

// Summary aggregates the current snapshots of all sources.
type Summary struct {
	Sources         int     `json:"sources"`
	AvgCPU          float64 `json:"avg_cpu"`
	AvgRAM          float64 `json:"avg_ram"`
	TopSource       int     `json:"top_source"`
	TopDetections   uint64  `json:"top_detections"`
	SlowestSource   int     `json:"slowest_source"`
	LowestFPS       float64 `json:"lowest_fps"`
	TotalDetections uint64  `json:"total_detections"`
	Running         int     `json:"running"`
}

// Summarize computes the dashboard aggregates over snapshots. Ties keep the
// lowest source id. TopSource and SlowestSource are -1 when there are no
// sources.
func Summarize(snapshots []PerformanceSnapshot) Summary {
	sum := Summary{
		Sources:       len(snapshots),
		TopSource:     -1,
		SlowestSource: -1,
	}
	if len(snapshots) == 0 {
		return sum
	}

	var cpu, ram float64
	sum.LowestFPS = math.Inf(1)
	for _, s := range snapshots {
		cpu += s.CPU
		ram += s.RAM
		sum.TotalDetections += s.TotalDetections
		if s.Status.State == StateRunning {
			sum.Running++
		}
		if sum.TopSource < 0 || s.TotalDetections > sum.TopDetections {
			sum.TopSource = s.SourceID
			sum.TopDetections = s.TotalDetections
		}
		if s.FPS < sum.LowestFPS {
			sum.SlowestSource = s.SourceID
			sum.LowestFPS = s.FPS
		}
	}
	n := float64(len(snapshots))
	sum.AvgCPU = Round2(cpu / n)
	sum.AvgRAM = Round2(ram / n)
	sum.LowestFPS = Round2(sum.LowestFPS)
	return sum
}
