// Package estimate annotates block and weekly rollups with an estimated usage
// limit and the share of it each one consumed. The figures are heuristics derived
// from past blocks, not quotas reported by the service.
package estimate

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

// DefaultLimit is a rough ceiling for a 5-hour window on the Max plan.
const DefaultLimit int64 = 77_000_000

// Policy derives a limit from the totals of earlier blocks. history is never
// empty and is ordered oldest first.
type Policy interface {
	Name() string
	Limit(history []int64) int64
}

// MaxPolicy scales the largest block seen so far.
type MaxPolicy struct {
	Headroom float64
}

func (p MaxPolicy) Name() string { return "max" }

func (p MaxPolicy) Limit(history []int64) int64 {
	return scale(slices.Max(history), p.Headroom)
}

// PercentilePolicy scales the nearest-rank percentile of earlier blocks,
// which keeps a single runaway block from inflating every later estimate.
type PercentilePolicy struct {
	Percentile float64 // (0, 100]
	Headroom   float64
}

func (p PercentilePolicy) Name() string { return "percentile" }

func (p PercentilePolicy) Limit(history []int64) int64 {
	sorted := slices.Clone(history)
	slices.Sort(sorted)
	pct := p.Percentile
	if pct <= 0 || pct > 100 {
		pct = 90
	}
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return scale(sorted[rank-1], p.Headroom)
}

func scale(v int64, headroom float64) int64 {
	if headroom <= 0 {
		headroom = 1
	}
	return int64(math.Round(float64(v) * headroom))
}

// PolicyByName resolves a configured policy. "fixed" has no history policy;
// use Estimator.FixedLimit instead.
func PolicyByName(name string, headroom, percentile float64) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "max":
		return MaxPolicy{Headroom: headroom}, nil
	case "percentile", "p90":
		return PercentilePolicy{Percentile: percentile, Headroom: headroom}, nil
	case "fixed":
		return nil, nil
	default:
		return nil, fmt.Errorf("estimate: unknown limit policy %q (want max, percentile or fixed)", name)
	}
}

type Estimator struct {
	Policy Policy
	// FixedLimit, when positive, is used for every block.
	FixedLimit int64
	// DefaultLimit applies to blocks without history. Zero leaves them unset.
	DefaultLimit int64
	// MinLimit is a floor for history-derived limits.
	MinLimit int64
	// WeeklyLimit, when positive, is used for every week. Otherwise weeks are
	// judged against earlier weeks with Policy, and the first week is left
	// unset.
	WeeklyLimit int64
}

func NewDefault() Estimator {
	return Estimator{
		Policy:       MaxPolicy{Headroom: 1.5},
		DefaultLimit: DefaultLimit,
		MinLimit:     DefaultLimit,
	}
}

// Annotate returns a copy of blocks, ordered by start, with EstimatedLimit
// and UsagePercentage set wherever a positive limit can be determined. Each
// block is judged only against blocks that started before it.
func (e Estimator) Annotate(blocks []core.BlockRollup) []core.BlockRollup {
	out := slices.Clone(blocks)
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })

	history := make([]int64, 0, len(out))
	for i := range out {
		out[i].EstimatedLimit = nil
		out[i].UsagePercentage = nil
		if limit, ok := e.limitFor(history); ok {
			pct := Percentage(out[i].TotalTokens, limit)
			out[i].EstimatedLimit = &limit
			out[i].UsagePercentage = &pct
		}
		history = append(history, out[i].TotalTokens)
	}
	return out
}

// AnnotateWeeks is Annotate for weekly rollups. Block limits never apply to
// weeks.
func (e Estimator) AnnotateWeeks(weeks []core.WeeklyRollup) []core.WeeklyRollup {
	out := slices.Clone(weeks)
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart < out[j].WeekStart })

	history := make([]int64, 0, len(out))
	for i := range out {
		out[i].EstimatedLimit = nil
		out[i].UsagePercentage = nil
		if limit, ok := e.weekLimitFor(history); ok {
			pct := Percentage(out[i].TotalTokens, limit)
			out[i].EstimatedLimit = &limit
			out[i].UsagePercentage = &pct
		}
		history = append(history, out[i].TotalTokens)
	}
	return out
}

func (e Estimator) weekLimitFor(history []int64) (int64, bool) {
	if e.WeeklyLimit > 0 {
		return e.WeeklyLimit, true
	}
	if len(history) == 0 || e.Policy == nil {
		return 0, false
	}
	limit := e.Policy.Limit(history)
	return limit, limit > 0
}

func (e Estimator) limitFor(history []int64) (int64, bool) {
	if e.FixedLimit > 0 {
		return e.FixedLimit, true
	}
	if len(history) == 0 || e.Policy == nil {
		return e.DefaultLimit, e.DefaultLimit > 0
	}
	limit := max(e.Policy.Limit(history), e.MinLimit)
	if limit <= 0 {
		return e.DefaultLimit, e.DefaultLimit > 0
	}
	return limit, true
}

// Percentage is total/limit*100 clamped to [0, 100]. limit must be positive.
func Percentage(total, limit int64) float64 {
	pct := float64(total) / float64(limit) * 100
	return math.Min(math.Max(pct, 0), 100)
}
