package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// UsageEvent is one assistant response observed in a device log.
type UsageEvent struct {
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`

	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`

	// Informational only; never part of the identity key.
	MessageID string `json:"message_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Source    string `json:"source,omitempty"` // "path:line"
}

func (e UsageEvent) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens + e.CacheCreationTokens + e.CacheReadTokens
}

func (e UsageEvent) Counters() TokenCounts {
	return TokenCounts{
		InputTokens:         e.InputTokens,
		OutputTokens:        e.OutputTokens,
		CacheCreationTokens: e.CacheCreationTokens,
		CacheReadTokens:     e.CacheReadTokens,
	}
}

// Key returns the content-derived identity of the event. Two events with the
// same key describe the same activity, whichever device reported them.
func (e UsageEvent) Key() IdentityKey {
	return IdentityKey{
		SessionID:   e.SessionID,
		Timestamp:   e.Timestamp.UTC().UnixNano(),
		Model:       e.Model,
		TotalTokens: e.TotalTokens(),
	}
}

type IdentityKey struct {
	SessionID   string
	Timestamp   int64 // unix nanoseconds, UTC
	Model       string
	TotalTokens int64
}

// ID is a stable hex digest of the key, suitable as a primary key.
func (k IdentityKey) ID() string {
	parts := []string{
		k.SessionID,
		strconv.FormatInt(k.Timestamp, 10),
		k.Model,
		strconv.FormatInt(k.TotalTokens, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Less orders keys by time first so canonical sets read chronologically.
func (k IdentityKey) Less(o IdentityKey) bool {
	if k.Timestamp != o.Timestamp {
		return k.Timestamp < o.Timestamp
	}
	if k.SessionID != o.SessionID {
		return k.SessionID < o.SessionID
	}
	if k.Model != o.Model {
		return k.Model < o.Model
	}
	return k.TotalTokens < o.TotalTokens
}

// CanonicalEvent is the single surviving representative of an identity key,
// together with every device that observed it.
type CanonicalEvent struct {
	UsageEvent
	EventID string   `json:"event_id"`
	Devices []string `json:"devices"`
}

type TokenCounts struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
}

func (tc TokenCounts) Total() int64 {
	return tc.InputTokens + tc.OutputTokens + tc.CacheCreationTokens + tc.CacheReadTokens
}

func (tc *TokenCounts) Add(o TokenCounts) {
	tc.InputTokens += o.InputTokens
	tc.OutputTokens += o.OutputTokens
	tc.CacheCreationTokens += o.CacheCreationTokens
	tc.CacheReadTokens += o.CacheReadTokens
}

// Compare orders counter tuples lexicographically (input, output, cache
// creation, cache read). It returns -1, 0 or 1.
func (tc TokenCounts) Compare(o TokenCounts) int {
	a := [4]int64{tc.InputTokens, tc.OutputTokens, tc.CacheCreationTokens, tc.CacheReadTokens}
	b := [4]int64{o.InputTokens, o.OutputTokens, o.CacheCreationTokens, o.CacheReadTokens}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

type BlockRollup struct {
	Start time.Time `json:"block_start"`
	TokenCounts
	TotalTokens int64    `json:"total_tokens"`
	EventCount  int      `json:"event_count"`
	Devices     []string `json:"devices"`
	Models      []string `json:"models"`

	// Nil until the usage estimator has a limit to compare against.
	UsagePercentage *float64 `json:"usage_percentage,omitempty"`
	EstimatedLimit  *int64   `json:"estimated_limit,omitempty"`
}

type DailyRollup struct {
	Date string `json:"date"` // "2006-01-02", UTC
	TokenCounts
	TotalTokens int64    `json:"total_tokens"`
	BlockCount  int      `json:"block_count"`
	DeviceCount int      `json:"device_count"`
	Devices     []string `json:"devices"`
}

// WeeklyRollup covers the ISO week (Monday to Sunday, UTC) holding the start
// dates of its blocks.
type WeeklyRollup struct {
	WeekStart string `json:"week_start"` // Monday, "2006-01-02"
	TokenCounts
	TotalTokens int64    `json:"total_tokens"`
	DaysActive  int      `json:"days_active"`
	BlockCount  int      `json:"block_count"`
	Devices     []string `json:"devices"`

	UsagePercentage *float64 `json:"weekly_usage_pct,omitempty"`
	EstimatedLimit  *int64   `json:"estimated_limit,omitempty"`
}

type ModelRollup struct {
	Model string `json:"model"`
	TokenCounts
	TotalTokens int64 `json:"total_tokens"`
	EventCount  int   `json:"event_count"`
}

// DeviceStats describes what one device contributed to a run.
type DeviceStats struct {
	Device         string   `json:"device"`
	Path           string   `json:"path"`
	Available      bool     `json:"available"`
	Files          int      `json:"files"`
	Events         int      `json:"events"`
	SkippedRecords int      `json:"skipped_records"`
	SkippedFiles   int      `json:"skipped_files"`
	Warnings       []string `json:"warnings,omitempty"`
}
