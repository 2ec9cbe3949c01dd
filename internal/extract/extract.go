// Package extract flattens one machine's local transcripts into a single
// event file that can be copied into the central data directory.
package extract

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/janekbaraniewski/fleetusage/internal/core"
	"github.com/janekbaraniewski/fleetusage/internal/ingest"
	"github.com/janekbaraniewski/fleetusage/internal/report"
)

// DefaultClaudeDir is where the CLI keeps its per-project transcripts.
const DefaultClaudeDir = "~/.claude"

type Options struct {
	Device    string
	ClaudeDir string
	// OutDir defaults to data/<Device>.
	OutDir string
	Logger *zap.Logger
}

type Result struct {
	Path           string
	Files          int
	Events         int
	SkippedRecords int
	SkippedFiles   int
}

// Run parses every transcript under ClaudeDir/projects and replaces
// OutDir/usage_events.csv with the raw events, tagged with Device. Events are
// not aggregated, so the central run can still deduplicate them across
// machines.
func Run(ctx context.Context, opts Options) (Result, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	device := strings.TrimSpace(opts.Device)
	if device == "" {
		return Result{}, fmt.Errorf("extract: device name is required")
	}
	claudeDir := ingest.ExpandHome(cmp.Or(opts.ClaudeDir, DefaultClaudeDir))
	outDir := ingest.ExpandHome(cmp.Or(opts.OutDir, filepath.Join("data", device)))

	projects := filepath.Join(claudeDir, "projects")
	loader := &ingest.Loader{Workers: 1, Logger: log}
	loaded, err := loader.Load(ctx, []ingest.Device{{Name: device, Path: projects}})
	if err != nil {
		return Result{}, err
	}
	if len(loaded.Unavailable) > 0 {
		return Result{}, loaded.Unavailable[0]
	}
	stats := loaded.Devices[0]
	res := Result{
		Path:           filepath.Join(outDir, report.EventsFile),
		Files:          stats.Files,
		SkippedRecords: stats.SkippedRecords,
		SkippedFiles:   stats.SkippedFiles,
	}

	events := loaded.Events
	for i := range events {
		events[i].Device = device
	}
	slices.SortStableFunc(events, compareEvents)
	res.Events = len(events)

	sink, err := report.NewDirSink(outDir)
	if err != nil {
		return res, err
	}
	if err := sink.WriteFile(report.EventsFile, func(w io.Writer) error {
		return report.WriteEvents(w, events)
	}); err != nil {
		sink.Abort()
		return res, err
	}
	if err := sink.Commit(); err != nil {
		return res, err
	}
	log.Info("events extracted",
		zap.String("device", device),
		zap.String("path", res.Path),
		zap.Int("files", res.Files),
		zap.Int("events", res.Events),
		zap.Int("skipped_records", res.SkippedRecords),
	)
	return res, nil
}

func compareEvents(a, b core.UsageEvent) int {
	ka, kb := a.Key(), b.Key()
	switch {
	case ka.Less(kb):
		return -1
	case kb.Less(ka):
		return 1
	}
	if c := a.Counters().Compare(b.Counters()); c != 0 {
		return c
	}
	return cmp.Or(
		cmp.Compare(a.MessageID, b.MessageID),
		cmp.Compare(a.RequestID, b.RequestID),
	)
}
