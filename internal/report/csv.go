// Package report serializes rollups to the CSV files consumed by the charting
// side.
package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/janekbaraniewski/fleetusage/internal/aggregate"
	"github.com/janekbaraniewski/fleetusage/internal/core"
	"github.com/janekbaraniewski/fleetusage/internal/parsers"
)

const (
	BlocksFile  = "block_usage.csv"
	DailyFile   = "daily_usage.csv"
	WeeklyFile  = "weekly_usage.csv"
	ModelsFile  = "model_usage.csv"
	SummaryFile = "summary.csv"
	EventsFile  = "usage_events.csv"
)

var (
	blockHeader = []string{
		"block_start", "input_tokens", "output_tokens", "cache_creation_tokens", "cache_read_tokens",
		"total_tokens", "usage_percentage", "estimated_limit", "devices", "models",
	}
	dailyHeader  = []string{"date", "total_tokens", "block_count", "device_count", "devices"}
	weeklyHeader = []string{"week_start", "total_tokens", "weekly_usage_pct", "days_active", "block_count", "estimated_limit", "devices"}
	modelHeader  = []string{"model", "input_tokens", "output_tokens"}
)

// Files lists the report files WriteAll stages, in staging order.
var Files = []string{BlocksFile, DailyFile, WeeklyFile, ModelsFile, SummaryFile}

// WriteAll stages every file in Files. The caller commits or aborts the sink.
func WriteAll(sink Sink, r aggregate.Rollups) error {
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{BlocksFile, func(w io.Writer) error { return WriteBlocks(w, r.Blocks) }},
		{DailyFile, func(w io.Writer) error { return WriteDaily(w, r.Daily) }},
		{WeeklyFile, func(w io.Writer) error { return WriteWeekly(w, r.Weekly) }},
		{ModelsFile, func(w io.Writer) error { return WriteModels(w, r.Models) }},
		{SummaryFile, func(w io.Writer) error { return WriteSummary(w, r) }},
	}
	for _, f := range files {
		if err := sink.WriteFile(f.name, f.write); err != nil {
			return err
		}
	}
	return nil
}

func WriteBlocks(w io.Writer, blocks []core.BlockRollup) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(blockHeader); err != nil {
		return err
	}
	for _, b := range blocks {
		limit := ""
		if b.EstimatedLimit != nil {
			limit = itoa(*b.EstimatedLimit)
		}
		if err := cw.Write([]string{
			b.Start.UTC().Format(time.RFC3339),
			itoa(b.InputTokens),
			itoa(b.OutputTokens),
			itoa(b.CacheCreationTokens),
			itoa(b.CacheReadTokens),
			itoa(b.TotalTokens),
			formatPct(b.UsagePercentage),
			limit,
			strings.Join(b.Devices, ","),
			strings.Join(b.Models, ","),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteDaily(w io.Writer, days []core.DailyRollup) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(dailyHeader); err != nil {
		return err
	}
	for _, d := range days {
		if err := cw.Write([]string{
			d.Date,
			itoa(d.TotalTokens),
			strconv.Itoa(d.BlockCount),
			strconv.Itoa(d.DeviceCount),
			strings.Join(d.Devices, ","),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteWeekly(w io.Writer, weeks []core.WeeklyRollup) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(weeklyHeader); err != nil {
		return err
	}
	for _, wk := range weeks {
		limit := ""
		if wk.EstimatedLimit != nil {
			limit = itoa(*wk.EstimatedLimit)
		}
		if err := cw.Write([]string{
			wk.WeekStart,
			itoa(wk.TotalTokens),
			formatPct(wk.UsagePercentage),
			strconv.Itoa(wk.DaysActive),
			strconv.Itoa(wk.BlockCount),
			limit,
			strings.Join(wk.Devices, ","),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteModels(w io.Writer, models []core.ModelRollup) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(modelHeader); err != nil {
		return err
	}
	for _, m := range models {
		if err := cw.Write([]string{m.Model, itoa(m.InputTokens), itoa(m.OutputTokens)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummary writes metric/value rows. It carries no wall-clock
// timestamp so reruns over the same input stay byte-identical. The current
// week is the latest week with data, not the week of the run.
func WriteSummary(w io.Writer, r aggregate.Rollups) error {
	rows := [][]string{
		{"metric", "value"},
		{"total_tokens", itoa(r.TotalTokens())},
		{"total_input_tokens", itoa(r.Totals.InputTokens)},
		{"total_output_tokens", itoa(r.Totals.OutputTokens)},
		{"total_cache_creation_tokens", itoa(r.Totals.CacheCreationTokens)},
		{"total_cache_read_tokens", itoa(r.Totals.CacheReadTokens)},
		{"canonical_events", strconv.Itoa(r.Events)},
		{"files_processed", strconv.Itoa(r.FilesProcessed)},
		{"total_sessions", strconv.Itoa(r.Sessions)},
		{"total_blocks", strconv.Itoa(len(r.Blocks))},
		{"total_days", strconv.Itoa(len(r.Daily))},
		{"device_count", strconv.Itoa(len(r.Devices))},
		{"devices", strings.Join(r.Devices, ",")},
	}
	if n := len(r.Weekly); n > 0 {
		current := r.Weekly[n-1]
		rows = append(rows,
			[]string{"current_week", current.WeekStart},
			[]string{"current_week_usage_pct", formatPct(current.UsagePercentage)},
		)
	}
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteEvents writes raw events in the flat format the parsers read back.
func WriteEvents(w io.Writer, events []core.UsageEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(parsers.EventColumns); err != nil {
		return err
	}
	for _, ev := range events {
		if err := cw.Write([]string{
			ev.Device,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.SessionID,
			ev.Model,
			itoa(ev.InputTokens),
			itoa(ev.OutputTokens),
			itoa(ev.CacheCreationTokens),
			itoa(ev.CacheReadTokens),
			ev.MessageID,
			ev.RequestID,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// formatPct renders a percentage with two decimals, or empty when unknown.
func formatPct(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', 2, 64)
}
