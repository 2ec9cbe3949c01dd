// Package aggregate folds the canonical event set into block, daily, weekly
// and model rollups. Each fold reads only the canonical events, so the views
// can be checked against each other.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

// UnknownModel labels events whose log did not name a model.
const UnknownModel = "unknown"

type Rollups struct {
	Blocks []core.BlockRollup
	Daily  []core.DailyRollup
	Weekly []core.WeeklyRollup
	Models []core.ModelRollup

	Totals   core.TokenCounts
	Events   int
	Sessions int
	Devices  []string
	// FilesProcessed is the number of log files read. The folds do not know
	// it; the caller fills it in.
	FilesProcessed int
}

func (r Rollups) TotalTokens() int64 { return r.Totals.Total() }

func Build(events []core.CanonicalEvent, blocks core.Blocks) Rollups {
	var totals core.TokenCounts
	sessions := make(map[string]bool)
	devices := make(map[string]bool)
	for _, ev := range events {
		totals.Add(ev.Counters())
		sessions[ev.SessionID] = true
		for _, d := range ev.Devices {
			devices[d] = true
		}
	}

	return Rollups{
		Blocks:   BuildBlocks(events, blocks),
		Daily:    BuildDaily(events, blocks),
		Weekly:   BuildWeekly(events, blocks),
		Models:   BuildModels(events),
		Totals:   totals,
		Events:   len(events),
		Sessions: len(sessions),
		Devices:  sortedKeys(devices),
	}
}

type blockAcc struct {
	counts  core.TokenCounts
	events  int
	devices map[string]bool
	models  map[string]bool
}

// BuildBlocks returns one rollup per non-empty block, ordered by start.
// Usage percentage and limit are left for the estimator.
func BuildBlocks(events []core.CanonicalEvent, blocks core.Blocks) []core.BlockRollup {
	acc := make(map[time.Time]*blockAcc)
	for _, ev := range events {
		start := blocks.Start(ev.Timestamp)
		a, ok := acc[start]
		if !ok {
			a = &blockAcc{devices: make(map[string]bool), models: make(map[string]bool)}
			acc[start] = a
		}
		a.counts.Add(ev.Counters())
		a.events++
		for _, d := range ev.Devices {
			a.devices[d] = true
		}
		a.models[modelLabel(ev.Model)] = true
	}

	out := make([]core.BlockRollup, 0, len(acc))
	for start, a := range acc {
		out = append(out, core.BlockRollup{
			Start:       start,
			TokenCounts: a.counts,
			TotalTokens: a.counts.Total(),
			EventCount:  a.events,
			Devices:     sortedKeys(a.devices),
			Models:      sortedKeys(a.models),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

type dayAcc struct {
	counts  core.TokenCounts
	blocks  map[time.Time]bool
	devices map[string]bool
}

// BuildDaily attributes each event to the UTC date its block starts on, so a
// block that crosses midnight is counted entirely on its starting date.
func BuildDaily(events []core.CanonicalEvent, blocks core.Blocks) []core.DailyRollup {
	acc := make(map[string]*dayAcc)
	for _, ev := range events {
		start := blocks.Start(ev.Timestamp)
		date := core.DateOf(start)
		a, ok := acc[date]
		if !ok {
			a = &dayAcc{blocks: make(map[time.Time]bool), devices: make(map[string]bool)}
			acc[date] = a
		}
		a.counts.Add(ev.Counters())
		a.blocks[start] = true
		for _, d := range ev.Devices {
			a.devices[d] = true
		}
	}

	out := make([]core.DailyRollup, 0, len(acc))
	for date, a := range acc {
		devices := sortedKeys(a.devices)
		out = append(out, core.DailyRollup{
			Date:        date,
			TokenCounts: a.counts,
			TotalTokens: a.counts.Total(),
			BlockCount:  len(a.blocks),
			DeviceCount: len(devices),
			Devices:     devices,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

type weekAcc struct {
	counts  core.TokenCounts
	days    map[string]bool
	blocks  map[time.Time]bool
	devices map[string]bool
}

// BuildWeekly groups events by the ISO week of their block's start date, so
// weekly totals are sums of whole daily rollups.
func BuildWeekly(events []core.CanonicalEvent, blocks core.Blocks) []core.WeeklyRollup {
	acc := make(map[string]*weekAcc)
	for _, ev := range events {
		start := blocks.Start(ev.Timestamp)
		week := core.WeekOf(start)
		a, ok := acc[week]
		if !ok {
			a = &weekAcc{
				days:    make(map[string]bool),
				blocks:  make(map[time.Time]bool),
				devices: make(map[string]bool),
			}
			acc[week] = a
		}
		a.counts.Add(ev.Counters())
		a.days[core.DateOf(start)] = true
		a.blocks[start] = true
		for _, d := range ev.Devices {
			a.devices[d] = true
		}
	}

	out := make([]core.WeeklyRollup, 0, len(acc))
	for week, a := range acc {
		out = append(out, core.WeeklyRollup{
			WeekStart:   week,
			TokenCounts: a.counts,
			TotalTokens: a.counts.Total(),
			DaysActive:  len(a.days),
			BlockCount:  len(a.blocks),
			Devices:     sortedKeys(a.devices),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart < out[j].WeekStart })
	return out
}

func BuildModels(events []core.CanonicalEvent) []core.ModelRollup {
	acc := make(map[string]*core.ModelRollup)
	for _, ev := range events {
		name := modelLabel(ev.Model)
		m, ok := acc[name]
		if !ok {
			m = &core.ModelRollup{Model: name}
			acc[name] = m
		}
		m.Add(ev.Counters())
		m.TotalTokens += ev.TotalTokens()
		m.EventCount++
	}

	names := lo.Keys(acc)
	sort.Strings(names)
	out := make([]core.ModelRollup, 0, len(names))
	for _, name := range names {
		out = append(out, *acc[name])
	}
	return out
}

// Check verifies that every rollup kind accounts for exactly the canonical
// token total.
func (r Rollups) Check() error {
	want := r.Totals.Total()
	sums := map[string]int64{
		"block":  lo.SumBy(r.Blocks, func(b core.BlockRollup) int64 { return b.TotalTokens }),
		"daily":  lo.SumBy(r.Daily, func(d core.DailyRollup) int64 { return d.TotalTokens }),
		"weekly": lo.SumBy(r.Weekly, func(w core.WeeklyRollup) int64 { return w.TotalTokens }),
		"model":  lo.SumBy(r.Models, func(m core.ModelRollup) int64 { return m.TotalTokens }),
	}
	for _, kind := range []string{"block", "daily", "weekly", "model"} {
		if sums[kind] != want {
			return fmt.Errorf("aggregate: %s rollups total %d tokens, canonical set has %d", kind, sums[kind], want)
		}
	}
	return nil
}

func modelLabel(model string) string {
	if model == "" {
		return UnknownModel
	}
	return model
}

func sortedKeys(set map[string]bool) []string {
	keys := lo.Keys(set)
	sort.Strings(keys)
	return keys
}
