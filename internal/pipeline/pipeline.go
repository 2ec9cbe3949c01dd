// Package pipeline runs one batch aggregation: load every device, build the
// canonical event set, fold rollups, annotate limits and publish the reports.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/janekbaraniewski/fleetusage/internal/aggregate"
	"github.com/janekbaraniewski/fleetusage/internal/core"
	"github.com/janekbaraniewski/fleetusage/internal/dedup"
	"github.com/janekbaraniewski/fleetusage/internal/estimate"
	"github.com/janekbaraniewski/fleetusage/internal/ingest"
	"github.com/janekbaraniewski/fleetusage/internal/metrics"
	"github.com/janekbaraniewski/fleetusage/internal/report"
	"github.com/janekbaraniewski/fleetusage/internal/snapshot"
)

type Options struct {
	Devices []ingest.Device
	OutDir  string
	Workers int
	// Blocks defaults to core.DefaultBlocks.
	Blocks *core.Blocks
	// Estimator defaults to estimate.NewDefault().
	Estimator *estimate.Estimator
	// Snapshot also publishes a SQLite copy of the run.
	Snapshot bool
	// MetricsFile, when set, receives Prometheus text metrics after the
	// reports are committed.
	MetricsFile string
	Logger      *zap.Logger
	Now         func() time.Time
}

// Summary describes a finished run.
type Summary struct {
	Devices     []core.DeviceStats
	Unavailable []*core.DeviceUnavailableError
	Input       int
	Duplicates  int
	CrossDevice int
	Rollups     aggregate.Rollups
	OutDir      string
	Files       []string
	Duration    time.Duration
}

func (s Summary) SkippedRecords() int {
	n := 0
	for _, d := range s.Devices {
		n += d.SkippedRecords
	}
	return n
}

// Run executes one aggregation. Reports are staged and only replace the
// previous run's files once all of them were written; on any error the
// previous reports are left untouched.
func Run(ctx context.Context, opts Options) (Summary, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	blocks := core.DefaultBlocks
	if opts.Blocks != nil {
		blocks = *opts.Blocks
	}
	est := estimate.NewDefault()
	if opts.Estimator != nil {
		est = *opts.Estimator
	}
	started := now()
	summary := Summary{OutDir: opts.OutDir}

	loader := &ingest.Loader{Workers: opts.Workers, Logger: log}
	loaded, err := loader.Load(ctx, opts.Devices)
	if err != nil {
		return summary, err
	}
	summary.Devices = loaded.Devices
	summary.Unavailable = loaded.Unavailable
	summary.Input = len(loaded.Events)
	if len(loaded.Events) == 0 {
		return summary, fmt.Errorf("pipeline: %d device(s) scanned: %w", len(opts.Devices), core.ErrNoData)
	}

	canonical := dedup.Canonicalize(loaded.Events)
	summary.Duplicates = canonical.Duplicates
	summary.CrossDevice = canonical.CrossDevice
	log.Debug("deduplicated events",
		zap.Int("input", canonical.Input),
		zap.Int("canonical", len(canonical.Events)),
		zap.Int("duplicates", canonical.Duplicates),
	)

	rollups := aggregate.Build(canonical.Events, blocks)
	rollups.Blocks = est.Annotate(rollups.Blocks)
	rollups.Weekly = est.AnnotateWeeks(rollups.Weekly)
	rollups.FilesProcessed = lo.SumBy(loaded.Devices, func(d core.DeviceStats) int { return d.Files })
	if err := rollups.Check(); err != nil {
		return summary, fmt.Errorf("pipeline: %w", err)
	}
	summary.Rollups = rollups

	sink, err := report.NewDirSink(opts.OutDir)
	if err != nil {
		return summary, err
	}
	files, err := publish(ctx, sink, canonical.Events, rollups, blocks, opts.Snapshot)
	if err != nil {
		sink.Abort()
		return summary, err
	}
	summary.Files = files
	summary.Duration = now().Sub(started)

	log.Info("reports written",
		zap.String("dir", opts.OutDir),
		zap.Int("events", rollups.Events),
		zap.Int("blocks", len(rollups.Blocks)),
		zap.Int64("total_tokens", rollups.TotalTokens()),
		zap.Duration("duration", summary.Duration),
	)

	if opts.MetricsFile != "" {
		run := metrics.Run{
			Devices:         summary.Devices,
			CanonicalEvents: rollups.Events,
			Duplicates:      summary.Duplicates,
			CrossDevice:     summary.CrossDevice,
			Blocks:          len(rollups.Blocks),
			TotalTokens:     rollups.TotalTokens(),
			Duration:        summary.Duration,
			Finished:        now(),
		}
		if err := metrics.WriteTextfile(opts.MetricsFile, run); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func publish(ctx context.Context, sink report.Sink, events []core.CanonicalEvent, r aggregate.Rollups, blocks core.Blocks, withSnapshot bool) ([]string, error) {
	if err := report.WriteAll(sink, r); err != nil {
		return nil, err
	}
	files := slices.Clone(report.Files)
	if withSnapshot {
		if err := snapshot.Write(ctx, sink, events, r, blocks); err != nil {
			return nil, err
		}
		files = append(files, snapshot.FileName)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sink.Commit(); err != nil {
		return nil, err
	}
	return files, nil
}
