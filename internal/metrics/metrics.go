// Package metrics exports the figures of one aggregation run in the
// Prometheus text format, for node_exporter's textfile collector.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

const namespace = "fleetusage"

// Run is what a single aggregation produced.
type Run struct {
	Devices         []core.DeviceStats
	CanonicalEvents int
	Duplicates      int
	CrossDevice     int
	Blocks          int
	TotalTokens     int64
	Duration        time.Duration
	Finished        time.Time
}

// Registry returns a private registry holding run's figures. Nothing is
// registered globally, so repeated runs in one process never collide.
func Registry(run Run) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	parsed := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_events",
		Help:      "Usage events parsed from each device in the last run, before deduplication.",
	}, []string{"device"})
	skipped := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_skipped_records",
		Help:      "Malformed records skipped per device in the last run.",
	}, []string{"device"})
	skippedFiles := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_skipped_files",
		Help:      "Files skipped per device in the last run.",
	}, []string{"device"})
	available := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_available",
		Help:      "1 if the device root could be read in the last run.",
	}, []string{"device"})
	for _, d := range run.Devices {
		parsed.WithLabelValues(d.Device).Set(float64(d.Events))
		skipped.WithLabelValues(d.Device).Set(float64(d.SkippedRecords))
		skippedFiles.WithLabelValues(d.Device).Set(float64(d.SkippedFiles))
		up := 0.0
		if d.Available {
			up = 1
		}
		available.WithLabelValues(d.Device).Set(up)
	}

	gauges := []struct {
		name, help string
		value      float64
	}{
		{"canonical_events", "Distinct usage events after cross-device deduplication.", float64(run.CanonicalEvents)},
		{"duplicate_events", "Events dropped as duplicates of a canonical event.", float64(run.Duplicates)},
		{"cross_device_events", "Canonical events observed on more than one device.", float64(run.CrossDevice)},
		{"blocks", "Time blocks with at least one event.", float64(run.Blocks)},
		{"tokens", "Total tokens across all canonical events.", float64(run.TotalTokens)},
		{"run_duration_seconds", "Wall time of the last run.", run.Duration.Seconds()},
	}
	for _, g := range gauges {
		factory.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: g.name, Help: g.help}).Set(g.value)
	}
	if !run.Finished.IsZero() {
		factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}).Set(float64(run.Finished.Unix()))
	}
	return reg
}

// WriteTextfile replaces path with run's metrics.
func WriteTextfile(path string, run Run) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &core.OutputWriteError{Path: path, Err: err}
	}
	if err := prometheus.WriteToTextfile(path, Registry(run)); err != nil {
		return &core.OutputWriteError{Path: path, Err: err}
	}
	return nil
}
