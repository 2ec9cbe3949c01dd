package parsers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

func collect(t *testing.T, path string) ([]core.UsageEvent, []error) {
	t.Helper()
	var events []core.UsageEvent
	var errs []error
	for ev, err := range ParseFile(path) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func assistantLine(session, ts, model string, in, out, cc, cr int) string {
	return fmt.Sprintf(`{"type":"assistant","sessionId":%q,"timestamp":%q,"requestId":"req-%s","message":{"id":"msg-%s","model":%q,"usage":{"input_tokens":%d,"output_tokens":%d,"cache_creation_input_tokens":%d,"cache_read_input_tokens":%d}}}`,
		session, ts, ts, ts, model, in, out, cc, cr)
}

func TestParseFile_Transcript(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"user","sessionId":"s1","timestamp":"2024-01-01T00:09:00Z","message":{"role":"user","content":"hi"}}`,
		assistantLine("s1", "2024-01-01T00:10:00Z", "claude-opus-4", 100, 20, 5, 1000),
		`{"type":"summary","summary":"Chat","leafUuid":"x"}`,
		`{"type":"assistant","sessionId":"s1","timestamp":"2024-01-01T00:11:00Z","message":{"model":"claude-opus-4","content":[]}}`,
		"",
		`{"type":"assistant","sessionId":"s1","timestamp":"2024-01-01T00:12:00Z","message":{"usage":{"output_tokens":3}}}`,
	}, "\n")
	path := writeFile(t, "s1.jsonl", content)

	events, errs := collect(t, path)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	first := events[0]
	if first.SessionID != "s1" || first.Model != "claude-opus-4" {
		t.Fatalf("unexpected identity fields: %+v", first)
	}
	if !first.Timestamp.Equal(time.Date(2024, time.January, 1, 0, 10, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %s", first.Timestamp)
	}
	if first.TotalTokens() != 1125 || first.CacheCreationTokens != 5 || first.CacheReadTokens != 1000 {
		t.Fatalf("counters = %+v", first.Counters())
	}
	if first.MessageID != "msg-2024-01-01T00:10:00Z" || first.RequestID != "req-2024-01-01T00:10:00Z" {
		t.Fatalf("ids = %q %q", first.MessageID, first.RequestID)
	}
	if first.Source != path+":2" {
		t.Fatalf("source = %q", first.Source)
	}

	second := events[1]
	if second.Model != "" || second.InputTokens != 0 || second.OutputTokens != 3 {
		t.Fatalf("missing optional fields should default: %+v", second)
	}
}

func TestParseFile_FlatJSONL(t *testing.T) {
	content := `{"device":"mac-home","timestamp":"2024-01-01T06:00:00Z","session_id":"s2","model":"claude-sonnet-4","input_tokens":"10","output_tokens":2.0}` + "\n" +
		`{"timestamp":1704088800,"sessionId":"s3","input_tokens":1}` + "\n"
	events, errs := collect(t, writeFile(t, "flat.jsonl", content))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Device != "mac-home" || events[0].TotalTokens() != 12 {
		t.Fatalf("first = %+v", events[0])
	}
	if events[1].SessionID != "s3" || !events[1].Timestamp.Equal(time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("second = %+v", events[1])
	}
}

func TestParseFile_RejectsUnidentifiableRecords(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"assistant","sessionId":"s1","message":{"usage":{"input_tokens":1}}}`,
		`{"type":"assistant","timestamp":"2024-01-01T00:00:00Z","message":{"usage":{"input_tokens":1}}}`,
		`{"type":"assistant","sessionId":"s1","timestamp":"not a time","message":{"usage":{"input_tokens":1}}}`,
		`{"type":"assistant","sessionId":"s1","timestamp":"2024-01-01T00:00:00Z","message":{"usage":{"input_tokens":-4}}}`,
		`{"type":"assistant","sessionId":"s1","timestamp":"2024-01-01T00:00:00Z","message":{"usage":{"input_tokens":{"a":1}}}}`,
		`[1,2,3]`,
		`{"truncated":`,
	}, "\n")
	events, errs := collect(t, writeFile(t, "bad.jsonl", content))
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
	if len(errs) != 7 {
		t.Fatalf("errors = %d, want 7: %v", len(errs), errs)
	}
	for i, err := range errs {
		var rec *core.RecordParseError
		if !errors.As(err, &rec) {
			t.Fatalf("error %d is not a record error: %v", i, err)
		}
		if rec.Line != i+1 {
			t.Fatalf("error %d line = %d, want %d", i, rec.Line, i+1)
		}
	}
}

func TestParseFile_PartialCorruption(t *testing.T) {
	var lines []string
	base := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		lines = append(lines, assistantLine("s1", ts, "claude-opus-4", i, 1, 0, 0))
		if i == 50 {
			lines = append(lines, `{"type":"assistant","sessionId":"s1","timestamp":`)
		}
	}
	events, errs := collect(t, writeFile(t, "mixed.jsonl", strings.Join(lines, "\n")))
	if len(events) != 100 {
		t.Fatalf("events = %d, want 100", len(events))
	}
	if len(errs) != 1 || !IsRecordError(errs[0]) {
		t.Fatalf("errors = %v, want exactly one record error", errs)
	}
}

func TestParseFile_OversizedLineSkipped(t *testing.T) {
	huge := `{"type":"user","sessionId":"s1","message":{"content":"` + strings.Repeat("x", 9*1024*1024) + `"}}`
	content := strings.Join([]string{
		assistantLine("s1", "2024-01-01T00:10:00Z", "claude-opus-4", 1, 1, 0, 0),
		huge,
		assistantLine("s1", "2024-01-01T00:11:00Z", "claude-opus-4", 2, 1, 0, 0),
		assistantLine("s1", "2024-01-01T00:12:00Z", "claude-opus-4", 3, 1, 0, 0),
	}, "\n")
	events, errs := collect(t, writeFile(t, "big.jsonl", content))
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want 1", errs)
	}
	var rec *core.RecordParseError
	if !errors.As(errs[0], &rec) || rec.Line != 2 {
		t.Fatalf("error = %v, want record error on line 2", errs[0])
	}
	if !strings.HasSuffix(events[2].Source, ":4") {
		t.Fatalf("last source = %s, want line 4", events[2].Source)
	}
}

func TestParseFile_LongLineWithinLimit(t *testing.T) {
	pad := strings.Repeat("y", 3*1024*1024)
	line := `{"timestamp":"2024-01-01T00:00:00Z","session_id":"s1","model":"m","input_tokens":7,"note":"` + pad + `"}`
	events, errs := collect(t, writeFile(t, "long.jsonl", line))
	if len(errs) != 0 || len(events) != 1 || events[0].InputTokens != 7 {
		t.Fatalf("events = %+v, errs = %v", events, errs)
	}
}

func TestParseFile_CounterOverflowRejected(t *testing.T) {
	csvContent := "timestamp,session_id,model,input_tokens,output_tokens\n" +
		"2024-01-01T00:00:00Z,s1,m,9223372036854775807,1\n" +
		"2024-01-01T00:01:00Z,s1,m,9223372036854775807,0\n"
	events, errs := collect(t, writeFile(t, "events.csv", csvContent))
	if len(events) != 1 || events[0].TotalTokens() != 9223372036854775807 {
		t.Fatalf("csv events = %+v, want only the row that fits", events)
	}
	if len(errs) != 1 || !IsRecordError(errs[0]) {
		t.Fatalf("csv errors = %v, want one record error", errs)
	}

	jsonContent := assistantLine("s1", "2024-01-01T00:00:00Z", "m", 1, 1, 0, 0) + "\n" +
		`{"type":"assistant","sessionId":"s1","timestamp":"2024-01-01T00:01:00Z","message":{"model":"m","usage":{"input_tokens":4611686018427387904,"cache_read_input_tokens":4611686018427387904}}}`
	events, errs = collect(t, writeFile(t, "s1.jsonl", jsonContent))
	if len(events) != 1 {
		t.Fatalf("jsonl events = %d, want 1", len(events))
	}
	var rec *core.RecordParseError
	if len(errs) != 1 || !errors.As(errs[0], &rec) || rec.Line != 2 {
		t.Fatalf("jsonl errors = %v, want record error on line 2", errs)
	}
}

func TestParseFile_CSV(t *testing.T) {
	content := "\ufeffDevice,timestamp,session_id,model,input_tokens,output_tokens,cache_creation_input_tokens,cache_read_tokens,extra\n" +
		"mac-work,2024-01-01T00:10:00Z,s1,claude-opus-4,100,20,5,1000,x\n" +
		",,,,,,,,\n" +
		"mac-work,2024-01-01 03:00:00,s1,,1,,,\n" +
		"mac-work,,s1,claude-opus-4,1,1,1,1,\n" +
		"mac-work,2024-01-01T04:00:00Z,s1,claude-opus-4,abc,1,1,1,\n"
	events, errs := collect(t, writeFile(t, "usage_events.csv", content))
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Device != "mac-work" || events[0].CacheCreationTokens != 5 || events[0].TotalTokens() != 1125 {
		t.Fatalf("first = %+v", events[0])
	}
	if events[1].Model != "" || events[1].InputTokens != 1 {
		t.Fatalf("second = %+v", events[1])
	}
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
	var rec *core.RecordParseError
	if !errors.As(errs[0], &rec) || rec.Line != 5 {
		t.Fatalf("first error = %v, want record error on line 5", errs[0])
	}
}

func TestParseFile_CSVMissingColumns(t *testing.T) {
	content := "device,block_start,total_tokens\nmac,2024-01-01T00:00:00,10\n"
	events, errs := collect(t, writeFile(t, "aggregated_data.csv", content))
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrMissingColumns) || IsRecordError(errs[0]) {
		t.Fatalf("errors = %v, want one file-level ErrMissingColumns", errs)
	}
}

func TestParseFile_Unreadable(t *testing.T) {
	_, errs := collect(t, filepath.Join(t.TempDir(), "missing.jsonl"))
	if len(errs) != 1 || IsRecordError(errs[0]) || !errors.Is(errs[0], os.ErrNotExist) {
		t.Fatalf("errors = %v", errs)
	}
	_, errs = collect(t, writeFile(t, "notes.txt", "hello"))
	if len(errs) != 1 || IsRecordError(errs[0]) {
		t.Fatalf("errors = %v", errs)
	}
}

func TestParse_StopsWhenConsumerStops(t *testing.T) {
	content := assistantLine("s", "2024-01-01T00:00:00Z", "m", 1, 1, 0, 0) + "\n" +
		assistantLine("s", "2024-01-01T00:01:00Z", "m", 1, 1, 0, 0) + "\n"
	n := 0
	for range Parse(strings.NewReader(content), "mem", FormatJSONL) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("iterations = %d, want 1", n)
	}
}
