package core

import (
	"errors"
	"io/fs"
	"testing"
	"time"
)

func TestUsageEventKey_IgnoresDevice(t *testing.T) {
	ts := time.Date(2024, time.January, 1, 0, 10, 0, 0, time.UTC)
	a := UsageEvent{Device: "mac-work", Timestamp: ts, SessionID: "s1", Model: "claude-opus-4", InputTokens: 10, OutputTokens: 5}
	b := a
	b.Device = "mac-home"
	b.Timestamp = ts.In(time.FixedZone("CET", 3600))

	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %+v vs %+v", a.Key(), b.Key())
	}
	if a.Key().ID() != b.Key().ID() {
		t.Fatal("ids differ for identical keys")
	}

	b.CacheReadTokens = 1
	if a.Key() == b.Key() {
		t.Fatal("different totals must produce different keys")
	}
}

func TestTokenCountsCompare(t *testing.T) {
	a := TokenCounts{InputTokens: 1, OutputTokens: 9}
	b := TokenCounts{InputTokens: 2, OutputTokens: 8}
	if a.Compare(b) != -1 || b.Compare(a) != 1 || a.Compare(a) != 0 {
		t.Fatalf("unexpected ordering: %d %d %d", a.Compare(b), b.Compare(a), a.Compare(a))
	}
	if a.Total() != b.Total() {
		t.Fatalf("totals = %d, %d", a.Total(), b.Total())
	}
}

func TestErrorsUnwrap(t *testing.T) {
	err := error(&DeviceUnavailableError{Device: "d", Path: "/nope", Err: fs.ErrNotExist})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("DeviceUnavailableError should unwrap to its cause")
	}
	var out *OutputWriteError
	if !errors.As(error(&OutputWriteError{Path: "x", Err: fs.ErrPermission}), &out) {
		t.Fatal("errors.As should match OutputWriteError")
	}
	rec := &RecordParseError{Path: "a.jsonl", Line: 3, Err: errors.New("bad json")}
	if rec.Error() != "a.jsonl:3: bad json" {
		t.Fatalf("Error() = %q", rec.Error())
	}
}
