package parsers

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

var (
	errBadTimestamp  = errors.New("unrecognized timestamp")
	errTotalOverflow = errors.New("token counters overflow int64 when summed")
)

// ParseTimestamp accepts RFC3339 (with or without fractional seconds),
// "2006-01-02 15:04:05" in UTC, and unix epochs in s/ms/us.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		time.DateTime,
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
		return UnixAuto(n), nil
	}
	return time.Time{}, errBadTimestamp
}

func UnixAuto(ts int64) time.Time {
	switch {
	case ts > 1_000_000_000_000_000:
		return time.UnixMicro(ts).UTC()
	case ts > 1_000_000_000_000:
		return time.UnixMilli(ts).UTC()
	default:
		return time.Unix(ts, 0).UTC()
	}
}

// ParseCounter parses a non-negative token counter. Empty means zero.
func ParseCounter(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(value, 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, err
		}
		n = int64(f)
	}
	if n < 0 {
		return 0, errors.New("negative token counter")
	}
	return n, nil
}

// checkTotal rejects an event whose counters cannot be summed into an int64
// total. Counters are already known to be non-negative.
func checkTotal(ev core.UsageEvent) error {
	var sum int64
	for _, n := range []int64{ev.InputTokens, ev.OutputTokens, ev.CacheCreationTokens, ev.CacheReadTokens} {
		if n > math.MaxInt64-sum {
			return errTotalOverflow
		}
		sum += n
	}
	return nil
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
