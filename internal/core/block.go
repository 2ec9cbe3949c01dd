package core

import (
	"fmt"
	"time"
)

// BlockWidth matches the rolling rate-limit window of the monitored service.
const BlockWidth = 5 * time.Hour

// DefaultBlockOrigin is a midnight UTC reference instant. Any instant works as
// long as it never changes between runs.
var DefaultBlockOrigin = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Blocks describes a fixed grid of time blocks. Boundaries are a function of
// the origin and width alone, never of the events being bucketed.
type Blocks struct {
	Origin time.Time
	Width  time.Duration
}

var DefaultBlocks = Blocks{Origin: DefaultBlockOrigin, Width: BlockWidth}

func NewBlocks(origin time.Time, width time.Duration) (Blocks, error) {
	if width <= 0 {
		return Blocks{}, fmt.Errorf("block width must be positive, got %s", width)
	}
	if width%time.Second != 0 {
		return Blocks{}, fmt.Errorf("block width must be a whole number of seconds, got %s", width)
	}
	return Blocks{Origin: origin.UTC(), Width: width}, nil
}

// Start returns the start of the block containing t. A timestamp exactly on a
// boundary belongs to the block it starts. The offset is taken in whole
// seconds so timestamps centuries away from the origin still land in a block
// that contains them.
func (b Blocks) Start(t time.Time) time.Time {
	width := int64(b.Width / time.Second)
	secs := t.Unix() - b.Origin.Unix()
	if t.Nanosecond() < b.Origin.Nanosecond() {
		secs--
	}
	n := secs / width
	if secs%width < 0 {
		n--
	}
	return time.Unix(b.Origin.Unix()+n*width, int64(b.Origin.Nanosecond())).UTC()
}

// End returns the exclusive end of the block containing t.
func (b Blocks) End(t time.Time) time.Time {
	return b.Start(t).Add(b.Width)
}

// BlockStart assigns t to a block on the default grid.
func BlockStart(t time.Time) time.Time {
	return DefaultBlocks.Start(t)
}

// DateOf returns the UTC calendar date of t as "2006-01-02".
func DateOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// WeekOf returns the Monday starting the ISO week of t's UTC date, as
// "2006-01-02".
func WeekOf(t time.Time) string {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	back := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -back).Format(time.DateOnly)
}
