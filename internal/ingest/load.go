package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/janekbaraniewski/fleetusage/internal/core"
	"github.com/janekbaraniewski/fleetusage/internal/parsers"
)

// Result holds every event loaded in one pass plus what each device
// contributed. Devices keeps the order the loader was given.
type Result struct {
	Events  []core.UsageEvent
	Devices []core.DeviceStats
	// Unavailable lists the devices that contributed nothing because their
	// root could not be read.
	Unavailable []*core.DeviceUnavailableError
}

func (r Result) SkippedRecords() int {
	n := 0
	for _, d := range r.Devices {
		n += d.SkippedRecords
	}
	return n
}

type Loader struct {
	// Workers bounds how many devices parse at once. Zero means one per CPU.
	Workers int
	Logger  *zap.Logger
}

type deviceLoad struct {
	events      []core.UsageEvent
	stats       core.DeviceStats
	unavailable *core.DeviceUnavailableError
}

// Load parses all devices concurrently. Per-record and per-file problems are
// counted in the device stats; only context cancellation fails the call.
func (l *Loader) Load(ctx context.Context, devices []Device) (Result, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	workers := l.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	slots := make([]deviceLoad, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range devices {
		g.Go(func() error {
			load, err := loadDevice(gctx, d, log.With(zap.String("device", d.Name)))
			slots[i] = load
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("ingest: %w", err)
	}

	var res Result
	total := 0
	for _, s := range slots {
		total += len(s.events)
	}
	res.Events = make([]core.UsageEvent, 0, total)
	for _, s := range slots {
		res.Events = append(res.Events, s.events...)
		res.Devices = append(res.Devices, s.stats)
		if s.unavailable != nil {
			res.Unavailable = append(res.Unavailable, s.unavailable)
		}
	}
	return res, nil
}

func loadDevice(ctx context.Context, d Device, log *zap.Logger) (deviceLoad, error) {
	out := deviceLoad{stats: core.DeviceStats{Device: d.Name, Path: d.Path}}

	files, skippedDirs, err := CollectFiles(d.Path)
	if err != nil {
		out.unavailable = &core.DeviceUnavailableError{Device: d.Name, Path: d.Path, Err: err}
		out.stats.Warnings = append(out.stats.Warnings, out.unavailable.Error())
		log.Warn("device unavailable", zap.String("path", d.Path), zap.Error(err))
		return out, nil
	}
	out.stats.Available = true
	out.stats.Files = len(files)
	for _, msg := range skippedDirs {
		out.stats.Warnings = append(out.stats.Warnings, msg)
		log.Warn("skipping unreadable directory", zap.String("detail", msg))
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for ev, err := range parsers.ParseFile(path) {
			if err != nil {
				if parsers.IsRecordError(err) {
					out.stats.SkippedRecords++
					log.Debug("skipping record", zap.Error(err))
					continue
				}
				out.stats.SkippedFiles++
				out.stats.Warnings = append(out.stats.Warnings, err.Error())
				if errors.Is(err, parsers.ErrMissingColumns) {
					log.Info("skipping file without event columns", zap.String("file", path))
				} else {
					log.Warn("skipping file", zap.String("file", path), zap.Error(err))
				}
				break
			}
			if ev.Device == "" {
				ev.Device = d.Name
			}
			out.events = append(out.events, ev)
		}
	}
	out.stats.Events = len(out.events)
	log.Debug("device loaded",
		zap.Int("files", out.stats.Files),
		zap.Int("events", out.stats.Events),
		zap.Int("skipped_records", out.stats.SkippedRecords),
		zap.Int("skipped_files", out.stats.SkippedFiles),
	)
	return out, nil
}
