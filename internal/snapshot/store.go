// Package snapshot writes a queryable SQLite copy of one run: the canonical
// events and every rollup. The database is rebuilt from scratch each run.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/janekbaraniewski/fleetusage/internal/aggregate"
	"github.com/janekbaraniewski/fleetusage/internal/core"
	"github.com/janekbaraniewski/fleetusage/internal/report"
)

const FileName = "usage.db"

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening DB: %w", err)
	}
	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			occurred_at TEXT NOT NULL,
			block_start TEXT NOT NULL,
			session_id TEXT NOT NULL,
			model TEXT,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_creation_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			message_id TEXT,
			request_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);`,
		`CREATE TABLE IF NOT EXISTS event_devices (
			event_id TEXT NOT NULL,
			device TEXT NOT NULL,
			PRIMARY KEY(event_id, device),
			FOREIGN KEY(event_id) REFERENCES events(event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS block_rollups (
			block_start TEXT PRIMARY KEY,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_creation_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			event_count INTEGER NOT NULL,
			usage_percentage REAL,
			estimated_limit INTEGER,
			devices TEXT NOT NULL,
			models TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS daily_rollups (
			date TEXT PRIMARY KEY,
			total_tokens INTEGER NOT NULL,
			block_count INTEGER NOT NULL,
			device_count INTEGER NOT NULL,
			devices TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS weekly_rollups (
			week_start TEXT PRIMARY KEY,
			total_tokens INTEGER NOT NULL,
			weekly_usage_pct REAL,
			estimated_limit INTEGER,
			days_active INTEGER NOT NULL,
			block_count INTEGER NOT NULL,
			devices TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS model_rollups (
			model TEXT PRIMARY KEY,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_creation_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			event_count INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("snapshot: init schema: %w", err)
		}
	}
	return nil
}

// Replace clears every table and stores events and rollups in one
// transaction.
func (s *Store) Replace(ctx context.Context, events []core.CanonicalEvent, r aggregate.Rollups, blocks core.Blocks) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"event_devices", "events", "block_rollups", "daily_rollups", "weekly_rollups", "model_rollups"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("snapshot: clear %s: %w", table, err)
		}
	}
	if err = insertEvents(ctx, tx, events, blocks); err != nil {
		return err
	}
	if err = insertRollups(ctx, tx, r); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: commit: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []core.CanonicalEvent, blocks core.Blocks) error {
	eventStmt, err := tx.PrepareContext(ctx, `INSERT INTO events (
		event_id, occurred_at, block_start, session_id, model,
		input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, total_tokens,
		message_id, request_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: prepare events: %w", err)
	}
	defer eventStmt.Close()
	deviceStmt, err := tx.PrepareContext(ctx, `INSERT INTO event_devices (event_id, device) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: prepare event devices: %w", err)
	}
	defer deviceStmt.Close()

	for _, ev := range events {
		if _, err := eventStmt.ExecContext(ctx,
			ev.EventID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			blocks.Start(ev.Timestamp).Format(time.RFC3339),
			ev.SessionID,
			nullable(ev.Model),
			ev.InputTokens,
			ev.OutputTokens,
			ev.CacheCreationTokens,
			ev.CacheReadTokens,
			ev.TotalTokens(),
			nullable(ev.MessageID),
			nullable(ev.RequestID),
		); err != nil {
			return fmt.Errorf("snapshot: insert event %s: %w", ev.EventID, err)
		}
		for _, device := range ev.Devices {
			if _, err := deviceStmt.ExecContext(ctx, ev.EventID, device); err != nil {
				return fmt.Errorf("snapshot: insert event device: %w", err)
			}
		}
	}
	return nil
}

func insertRollups(ctx context.Context, tx *sql.Tx, r aggregate.Rollups) error {
	for _, b := range r.Blocks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO block_rollups (
			block_start, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			total_tokens, event_count, usage_percentage, estimated_limit, devices, models
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.Start.UTC().Format(time.RFC3339),
			b.InputTokens, b.OutputTokens, b.CacheCreationTokens, b.CacheReadTokens,
			b.TotalTokens, b.EventCount,
			nullableFloat64(b.UsagePercentage), nullableInt64(b.EstimatedLimit),
			strings.Join(b.Devices, ","), strings.Join(b.Models, ","),
		); err != nil {
			return fmt.Errorf("snapshot: insert block rollup: %w", err)
		}
	}
	for _, d := range r.Daily {
		if _, err := tx.ExecContext(ctx, `INSERT INTO daily_rollups (
			date, total_tokens, block_count, device_count, devices
		) VALUES (?, ?, ?, ?, ?)`,
			d.Date, d.TotalTokens, d.BlockCount, d.DeviceCount, strings.Join(d.Devices, ","),
		); err != nil {
			return fmt.Errorf("snapshot: insert daily rollup: %w", err)
		}
	}
	for _, w := range r.Weekly {
		if _, err := tx.ExecContext(ctx, `INSERT INTO weekly_rollups (
			week_start, total_tokens, weekly_usage_pct, estimated_limit, days_active, block_count, devices
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.WeekStart, w.TotalTokens,
			nullableFloat64(w.UsagePercentage), nullableInt64(w.EstimatedLimit),
			w.DaysActive, w.BlockCount, strings.Join(w.Devices, ","),
		); err != nil {
			return fmt.Errorf("snapshot: insert weekly rollup: %w", err)
		}
	}
	for _, m := range r.Models {
		if _, err := tx.ExecContext(ctx, `INSERT INTO model_rollups (
			model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			total_tokens, event_count
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.Model, m.InputTokens, m.OutputTokens, m.CacheCreationTokens, m.CacheReadTokens,
			m.TotalTokens, m.EventCount,
		); err != nil {
			return fmt.Errorf("snapshot: insert model rollup: %w", err)
		}
	}
	return nil
}

// Write stages FileName in sink and fills it. The database becomes visible
// when the sink commits.
func Write(ctx context.Context, sink report.Sink, events []core.CanonicalEvent, r aggregate.Rollups, blocks core.Blocks) error {
	path, err := sink.StagePath(FileName)
	if err != nil {
		return err
	}
	store, err := Open(path)
	if err != nil {
		return &core.OutputWriteError{Path: FileName, Err: err}
	}
	if err := store.Replace(ctx, events, r, blocks); err != nil {
		store.Close()
		return &core.OutputWriteError{Path: FileName, Err: err}
	}
	if err := store.Close(); err != nil {
		return &core.OutputWriteError{Path: FileName, Err: err}
	}
	return nil
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
