package dedup

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

func at(h, m int) time.Time {
	return time.Date(2024, time.January, 1, h, m, 0, 0, time.UTC)
}

func event(device, session string, ts time.Time, in, out int64) core.UsageEvent {
	return core.UsageEvent{
		Device:       device,
		Timestamp:    ts,
		SessionID:    session,
		Model:        "claude-opus-4",
		InputTokens:  in,
		OutputTokens: out,
	}
}

func TestCanonicalize_CrossDeviceDuplicate(t *testing.T) {
	events := []core.UsageEvent{
		event("A", "s1", at(0, 10), 100, 10),
		event("A", "s1", at(3, 0), 50, 5),
		event("B", "s1", at(0, 10), 100, 10),
		event("B", "s2", at(6, 0), 70, 7),
	}

	res := Canonicalize(events)
	if len(res.Events) != 3 {
		t.Fatalf("canonical events = %d, want 3", len(res.Events))
	}
	if res.Input != 4 || res.Duplicates != 1 || res.CrossDevice != 1 {
		t.Fatalf("stats = %+v", res)
	}

	first := res.Events[0]
	if diff := cmp.Diff([]string{"A", "B"}, first.Devices); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}
	if first.Device != "A" {
		t.Fatalf("representative device = %q, want A", first.Device)
	}
	if first.TotalTokens() != 110 {
		t.Fatalf("total = %d, want 110", first.TotalTokens())
	}

	var total int64
	for _, ev := range res.Events {
		total += ev.TotalTokens()
	}
	if total != 110+55+77 {
		t.Fatalf("canonical total = %d, want %d", total, 110+55+77)
	}
}

func TestCanonicalize_OrderIndependent(t *testing.T) {
	var events []core.UsageEvent
	for i := 0; i < 60; i++ {
		ts := at(0, 0).Add(time.Duration(i%20) * 13 * time.Minute)
		device := []string{"mac-work", "mac-home", "linux-ci"}[i%3]
		events = append(events, event(device, "s", ts, int64(i%20), 1))
	}
	events[5].MessageID = "msg-5"

	want := Canonicalize(events)
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 10; round++ {
		shuffled := append([]core.UsageEvent(nil), events...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Canonicalize(shuffled)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round %d: result depends on order (-want +got):\n%s", round, diff)
		}
	}
	if len(want.Events) != 20 {
		t.Fatalf("canonical events = %d, want 20", len(want.Events))
	}
}

func TestCanonicalize_RepeatedSyncIsIdempotent(t *testing.T) {
	base := []core.UsageEvent{
		event("A", "s1", at(1, 0), 10, 1),
		event("A", "s1", at(2, 0), 20, 2),
	}
	once := Canonicalize(base)
	twice := Canonicalize(append(append([]core.UsageEvent(nil), base...), base...))

	if diff := cmp.Diff(once.Events, twice.Events); diff != "" {
		t.Fatalf("syncing twice changed the canonical set (-once +twice):\n%s", diff)
	}
	if twice.Duplicates != 2 {
		t.Fatalf("duplicates = %d, want 2", twice.Duplicates)
	}
}

func TestCanonicalize_SplitDisagreement(t *testing.T) {
	a := event("A", "s1", at(0, 10), 100, 10)
	b := event("B", "s1", at(0, 10), 90, 20)
	b.MessageID = "msg-b"

	for _, input := range [][]core.UsageEvent{{a, b}, {b, a}} {
		res := Canonicalize(input)
		if len(res.Events) != 1 {
			t.Fatalf("events = %d, want 1", len(res.Events))
		}
		got := res.Events[0]
		if got.InputTokens != 90 || got.OutputTokens != 20 {
			t.Fatalf("representative counters = %+v, want the smaller tuple", got.Counters())
		}
		if got.MessageID != "msg-b" {
			t.Fatalf("message id = %q", got.MessageID)
		}
		if got.EventID != a.Key().ID() {
			t.Fatalf("event id = %q, want key digest", got.EventID)
		}
	}
}

func TestCanonicalize_DistinctModelsAreDistinct(t *testing.T) {
	a := event("A", "s1", at(0, 10), 100, 10)
	b := a
	b.Model = "claude-sonnet-4"
	res := Canonicalize([]core.UsageEvent{a, b})
	if len(res.Events) != 2 || res.Duplicates != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCanonicalize_Empty(t *testing.T) {
	res := Canonicalize(nil)
	if len(res.Events) != 0 || res.Input != 0 || res.Duplicates != 0 {
		t.Fatalf("result = %+v", res)
	}
}
