// Package dedup collapses the union of all devices' events into the canonical
// event set: at most one event per identity key, carrying every device that
// observed it.
package dedup

import (
	"cmp"
	"slices"
	"sort"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

type Result struct {
	Events []core.CanonicalEvent
	// Input is the number of events before deduplication.
	Input int
	// Duplicates is Input minus the number of canonical events.
	Duplicates int
	// CrossDevice counts canonical events observed by more than one device.
	CrossDevice int
}

type group struct {
	key     core.IdentityKey
	members []core.UsageEvent
	devices map[string]bool
}

// Canonicalize groups events by identity key. The result depends only on the
// multiset of input events, never on their order.
func Canonicalize(events []core.UsageEvent) Result {
	groups := make(map[core.IdentityKey]*group, len(events))
	for _, ev := range events {
		key := ev.Key()
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, devices: make(map[string]bool, 1)}
			groups[key] = g
		}
		g.members = append(g.members, ev)
		if ev.Device != "" {
			g.devices[ev.Device] = true
		}
	}

	out := make([]core.CanonicalEvent, 0, len(groups))
	crossDevice := 0
	for _, g := range groups {
		canonical := merge(g)
		if len(canonical.Devices) > 1 {
			crossDevice++
		}
		out = append(out, canonical)
	}
	slices.SortFunc(out, func(a, b core.CanonicalEvent) int {
		ka, kb := a.Key(), b.Key()
		switch {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		}
		return cmp.Compare(a.EventID, b.EventID)
	})

	return Result{
		Events:      out,
		Input:       len(events),
		Duplicates:  len(events) - len(out),
		CrossDevice: crossDevice,
	}
}

// merge picks the representative of a group. Members share a total but may
// split it differently across categories; the smallest counter tuple wins so
// the choice is independent of which device was read first.
func merge(g *group) core.CanonicalEvent {
	slices.SortFunc(g.members, compareMembers)
	rep := g.members[0]
	for _, m := range g.members[1:] {
		if rep.MessageID == "" {
			rep.MessageID = m.MessageID
		}
		if rep.RequestID == "" {
			rep.RequestID = m.RequestID
		}
	}

	devices := lo.Keys(g.devices)
	sort.Strings(devices)
	if len(devices) > 0 {
		rep.Device = devices[0]
	}
	rep.Timestamp = rep.Timestamp.UTC()

	return core.CanonicalEvent{
		UsageEvent: rep,
		EventID:    g.key.ID(),
		Devices:    devices,
	}
}

func compareMembers(a, b core.UsageEvent) int {
	if c := a.Counters().Compare(b.Counters()); c != 0 {
		return c
	}
	return cmp.Or(
		cmp.Compare(a.Device, b.Device),
		cmp.Compare(a.Source, b.Source),
		cmp.Compare(a.MessageID, b.MessageID),
		cmp.Compare(a.RequestID, b.RequestID),
	)
}
