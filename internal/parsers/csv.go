package parsers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

// EventColumns is the header of a flattened event file, in the order the
// extractor writes it.
var EventColumns = []string{
	"device",
	"timestamp",
	"session_id",
	"model",
	"input_tokens",
	"output_tokens",
	"cache_creation_tokens",
	"cache_read_tokens",
	"message_id",
	"request_id",
}

var columnAliases = map[string]string{
	"sessionid":                   "session_id",
	"session":                     "session_id",
	"cache_creation_input_tokens": "cache_creation_tokens",
	"cache_read_input_tokens":     "cache_read_tokens",
	"messageid":                   "message_id",
	"requestid":                   "request_id",
}

func parseCSV(r io.Reader, name string) iter.Seq2[core.UsageEvent, error] {
	return func(yield func(core.UsageEvent, error) bool) {
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true

		header, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			yield(core.UsageEvent{}, fmt.Errorf("read %s header: %w", name, err))
			return
		}
		cols := indexColumns(header)
		var missing []string
		for _, required := range []string{"timestamp", "session_id"} {
			if _, ok := cols[required]; !ok {
				missing = append(missing, required)
			}
		}
		if len(missing) > 0 {
			yield(core.UsageEvent{}, fmt.Errorf("%s: %w: %s", name, ErrMissingColumns, strings.Join(missing, ", ")))
			return
		}

		for {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					if !yield(core.UsageEvent{}, recordError(name, perr.StartLine, "%v", perr.Err)) {
						return
					}
					continue
				}
				yield(core.UsageEvent{}, fmt.Errorf("read %s: %w", name, err))
				return
			}
			if isBlankRecord(record) {
				continue
			}
			line, _ := reader.FieldPos(0)

			ev, err := csvEvent(record, cols, name, line)
			if !yield(ev, err) {
				return
			}
		}
	}
}

func csvEvent(record []string, cols map[string]int, name string, line int) (core.UsageEvent, error) {
	get := func(col string) string {
		idx, ok := cols[col]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	ts, err := ParseTimestamp(get("timestamp"))
	if err != nil {
		return core.UsageEvent{}, recordError(name, line, "timestamp: %v", err)
	}
	sessionID := get("session_id")
	if sessionID == "" {
		return core.UsageEvent{}, recordError(name, line, "missing session id")
	}

	ev := core.UsageEvent{
		Device:    get("device"),
		Timestamp: ts,
		SessionID: sessionID,
		Model:     get("model"),
		MessageID: get("message_id"),
		RequestID: get("request_id"),
		Source:    source(name, line),
	}
	fields := []struct {
		col string
		dst *int64
	}{
		{"input_tokens", &ev.InputTokens},
		{"output_tokens", &ev.OutputTokens},
		{"cache_creation_tokens", &ev.CacheCreationTokens},
		{"cache_read_tokens", &ev.CacheReadTokens},
	}
	for _, f := range fields {
		n, err := ParseCounter(get(f.col))
		if err != nil {
			return core.UsageEvent{}, recordError(name, line, "%s: %v", f.col, err)
		}
		*f.dst = n
	}
	if err := checkTotal(ev); err != nil {
		return core.UsageEvent{}, recordError(name, line, "%v", err)
	}
	return ev, nil
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if alias, ok := columnAliases[key]; ok {
			key = alias
		}
		if _, dup := cols[key]; !dup {
			cols[key] = i
		}
	}
	return cols
}

func isBlankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
