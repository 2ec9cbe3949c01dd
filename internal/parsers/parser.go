// Package parsers turns raw device logs into normalized usage events.
//
// Parsing is tolerant: a malformed record is reported as a
// *core.RecordParseError and parsing continues with the next record. Any other
// error ends the file.
package parsers

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

// maxLineSize bounds a single JSONL line. Transcript lines embed whole tool
// outputs and can be several megabytes; anything longer is skipped as a bad
// record.
const maxLineSize = 8 * 1024 * 1024

type Format string

const (
	FormatJSONL   Format = "jsonl"
	FormatCSV     Format = "csv"
	FormatUnknown Format = ""
)

// ErrMissingColumns marks a tabular file without the columns needed to
// identify events, such as a pre-aggregated per-block export.
var ErrMissingColumns = errors.New("missing required columns")

// Extensions lists the file extensions ParseFile understands.
var Extensions = map[string]bool{
	".jsonl": true,
	".csv":   true,
}

func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".csv":
		return FormatCSV
	default:
		return FormatUnknown
	}
}

// ParseFile lazily yields the events of one log file.
func ParseFile(path string) iter.Seq2[core.UsageEvent, error] {
	return func(yield func(core.UsageEvent, error) bool) {
		format := FormatForPath(path)
		if format == FormatUnknown {
			yield(core.UsageEvent{}, fmt.Errorf("parse %s: unsupported file type", path))
			return
		}
		f, err := os.Open(path)
		if err != nil {
			yield(core.UsageEvent{}, fmt.Errorf("parse %s: %w", path, err))
			return
		}
		defer f.Close()

		for ev, err := range Parse(f, path, format) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

// Parse yields the events in r. name is used for error positions and for the
// event Source field.
func Parse(r io.Reader, name string, format Format) iter.Seq2[core.UsageEvent, error] {
	switch format {
	case FormatJSONL:
		return parseJSONL(r, name)
	case FormatCSV:
		return parseCSV(r, name)
	default:
		return func(yield func(core.UsageEvent, error) bool) {
			yield(core.UsageEvent{}, fmt.Errorf("parse %s: unsupported format %q", name, format))
		}
	}
}

// IsRecordError reports whether err only affects a single record.
func IsRecordError(err error) bool {
	var rec *core.RecordParseError
	return errors.As(err, &rec)
}

func recordError(name string, line int, format string, args ...any) error {
	return &core.RecordParseError{Path: name, Line: line, Err: fmt.Errorf(format, args...)}
}

func source(name string, line int) string {
	return fmt.Sprintf("%s:%d", name, line)
}
