package parsers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

// Two line shapes are accepted:
//
//   - Claude Code transcripts: {"type":"assistant","sessionId":..,"timestamp":..,
//     "requestId":..,"message":{"id":..,"model":..,"usage":{"input_tokens":..}}}
//   - flat events: {"timestamp":..,"session_id":..,"model":..,"input_tokens":..}
//
// Transcript lines of any other type (user, summary, system) carry no usage
// and are skipped without counting as errors.
var (
	transcriptCounters = counterPaths{
		input:         "message.usage.input_tokens",
		output:        "message.usage.output_tokens",
		cacheCreation: "message.usage.cache_creation_input_tokens",
		cacheRead:     "message.usage.cache_read_input_tokens",
	}
	flatCounters = counterPaths{
		input:         "input_tokens",
		output:        "output_tokens",
		cacheCreation: "cache_creation_tokens",
		cacheRead:     "cache_read_tokens",
	}
)

type counterPaths struct {
	input, output, cacheCreation, cacheRead string
}

func parseJSONL(r io.Reader, name string) iter.Seq2[core.UsageEvent, error] {
	return func(yield func(core.UsageEvent, error) bool) {
		lines := newLineReader(r, maxLineSize)
		lineNumber := 0

		for {
			raw, oversized, err := lines.next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(core.UsageEvent{}, fmt.Errorf("read %s after line %d: %w", name, lineNumber, err))
				return
			}
			lineNumber++
			if oversized {
				if !yield(core.UsageEvent{}, recordError(name, lineNumber, "line exceeds %d bytes", maxLineSize)) {
					return
				}
				continue
			}
			line := bytes.TrimSpace(raw)
			if len(line) == 0 {
				continue
			}
			ev, ok, err := parseJSONLine(line, name, lineNumber)
			if err != nil {
				if !yield(core.UsageEvent{}, err) {
					return
				}
				continue
			}
			if !ok {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// lineReader splits a stream on newlines. Lines longer than max are drained
// without being buffered so one huge record cannot end the file.
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// next returns the next line including its terminator. oversized is set when
// the line was longer than max; its content is then dropped. The returned
// slice is only valid until the next call.
func (l *lineReader) next() (line []byte, oversized bool, err error) {
	l.buf = l.buf[:0]
	for {
		chunk, err := l.r.ReadSlice('\n')
		if !oversized {
			if len(l.buf)+len(bytes.TrimRight(chunk, "\r\n")) > l.max {
				oversized = true
				l.buf = l.buf[:0]
			} else {
				l.buf = append(l.buf, chunk...)
			}
		}
		switch {
		case err == nil:
			return l.buf, oversized, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(l.buf) == 0 && !oversized {
				return nil, false, io.EOF
			}
			return l.buf, oversized, nil
		default:
			return nil, false, err
		}
	}
}

func parseJSONLine(line []byte, name string, lineNumber int) (core.UsageEvent, bool, error) {
	if !gjson.ValidBytes(line) {
		return core.UsageEvent{}, false, recordError(name, lineNumber, "invalid JSON")
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return core.UsageEvent{}, false, recordError(name, lineNumber, "record is not a JSON object")
	}

	if typ := root.Get("type"); typ.Exists() {
		if typ.String() != "assistant" || !root.Get("message.usage").IsObject() {
			return core.UsageEvent{}, false, nil
		}
		ev, err := buildEvent(root, name, lineNumber, transcriptCounters,
			root.Get("sessionId").String(), root.Get("message.model").String())
		if err != nil {
			return core.UsageEvent{}, false, err
		}
		ev.MessageID = strings.TrimSpace(root.Get("message.id").String())
		ev.RequestID = strings.TrimSpace(root.Get("requestId").String())
		return ev, true, nil
	}

	ev, err := buildEvent(root, name, lineNumber, flatCounters,
		FirstNonEmpty(root.Get("session_id").String(), root.Get("sessionId").String()), root.Get("model").String())
	if err != nil {
		return core.UsageEvent{}, false, err
	}
	ev.Device = strings.TrimSpace(root.Get("device").String())
	ev.MessageID = strings.TrimSpace(root.Get("message_id").String())
	ev.RequestID = strings.TrimSpace(root.Get("request_id").String())
	return ev, true, nil
}

func buildEvent(root gjson.Result, name string, lineNumber int, paths counterPaths, session, model string) (core.UsageEvent, error) {
	ts, err := ParseTimestamp(root.Get("timestamp").String())
	if err != nil {
		return core.UsageEvent{}, recordError(name, lineNumber, "timestamp: %v", err)
	}
	sessionID := strings.TrimSpace(session)
	if sessionID == "" {
		return core.UsageEvent{}, recordError(name, lineNumber, "missing session id")
	}

	ev := core.UsageEvent{
		Timestamp: ts,
		SessionID: sessionID,
		Model:     strings.TrimSpace(model),
		Source:    source(name, lineNumber),
	}
	fields := []struct {
		path string
		dst  *int64
	}{
		{paths.input, &ev.InputTokens},
		{paths.output, &ev.OutputTokens},
		{paths.cacheCreation, &ev.CacheCreationTokens},
		{paths.cacheRead, &ev.CacheReadTokens},
	}
	for _, f := range fields {
		n, err := jsonCounter(root.Get(f.path))
		if err != nil {
			return core.UsageEvent{}, recordError(name, lineNumber, "%s: %v", f.path, err)
		}
		*f.dst = n
	}
	if err := checkTotal(ev); err != nil {
		return core.UsageEvent{}, recordError(name, lineNumber, "%v", err)
	}
	return ev, nil
}

func jsonCounter(v gjson.Result) (int64, error) {
	switch v.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number, gjson.String:
		return ParseCounter(v.String())
	default:
		return 0, fmt.Errorf("expected a number, got %s", v.Type)
	}
}

