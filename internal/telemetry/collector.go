// Package telemetry exposes source metrics to Prometheus.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"antares/internal/pipeline"
)

const namespace = "antares"

// Registry is the part of the pipeline registry read on each scrape.
type Registry interface {
	Sources() []pipeline.SourceConfig
	AllMetrics() []pipeline.PerformanceSnapshot
	DroppedFrames(id int) (uint64, error)
}

var allStates = []pipeline.State{
	pipeline.StateInitializing,
	pipeline.StateRunning,
	pipeline.StateStreamFailed,
	pipeline.StateError,
	pipeline.StateStopped,
}

// Collector reads the current snapshots at scrape time, so it holds no
// state of its own.
type Collector struct {
	registry Registry

	fps             *prometheus.Desc
	cpu             *prometheus.Desc
	ram             *prometheus.Desc
	detections      *prometheus.Desc
	detectionsTotal *prometheus.Desc
	droppedTotal    *prometheus.Desc
	state           *prometheus.Desc
}

// NewCollector creates a collector over registry.
func NewCollector(registry Registry) *Collector {
	labels := []string{"source", "name"}
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "source", name), help, append(labels, extra...), nil)
	}
	return &Collector{
		registry:        registry,
		fps:             desc("fps", "Frames processed per second, measured over the last frame."),
		cpu:             desc("cpu_percent", "Host CPU utilisation sampled with the last frame."),
		ram:             desc("ram_percent", "Host memory utilisation sampled with the last frame."),
		detections:      desc("detections", "Detections in the last processed frame."),
		detectionsTotal: desc("detections_total", "Detections since the source started."),
		droppedTotal:    desc("dropped_frames_total", "Annotated frames replaced before any viewer took them."),
		state:           desc("state", "1 for the current worker state of the source.", "state"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.fps
	ch <- c.cpu
	ch <- c.ram
	ch <- c.detections
	ch <- c.detectionsTotal
	ch <- c.droppedTotal
	ch <- c.state
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	configs := c.registry.Sources()
	for _, snap := range c.registry.AllMetrics() {
		id := snap.SourceID
		name := ""
		if id >= 0 && id < len(configs) {
			name = configs[id].Name
		}
		labels := []string{strconv.Itoa(id), name}

		ch <- prometheus.MustNewConstMetric(c.fps, prometheus.GaugeValue, snap.FPS, labels...)
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, snap.CPU, labels...)
		ch <- prometheus.MustNewConstMetric(c.ram, prometheus.GaugeValue, snap.RAM, labels...)
		ch <- prometheus.MustNewConstMetric(c.detections, prometheus.GaugeValue, float64(snap.Detections), labels...)
		ch <- prometheus.MustNewConstMetric(c.detectionsTotal, prometheus.CounterValue, float64(snap.TotalDetections), labels...)
		if dropped, err := c.registry.DroppedFrames(id); err == nil {
			ch <- prometheus.MustNewConstMetric(c.droppedTotal, prometheus.CounterValue, float64(dropped), labels...)
		}
		for _, st := range allStates {
			v := 0.0
			if snap.Status.State == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, append(labels, st.String())...)
		}
	}
}
