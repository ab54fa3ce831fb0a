// Package eventstore keeps a per-session timeline of pipeline activity in
// SQLite. Only stage outcomes are stored, never transcripts or replies.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/voicebridge/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline event types.
const (
	TypeSessionEnabled  = "session.enabled"
	TypeSessionState    = "session.state"
	TypeRunCompleted    = "run.completed"
	TypeRunFailed       = "run.failed"
	TypeSessionDisabled = "session.disabled"
)

const defaultTimelineLimit = 100

// Event is one timeline entry.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id,omitempty"`
	ChannelID string          `json:"channel_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Privacy   string          `json:"privacy_scope,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the SQLite-backed timeline. With retention mode "ephemeral" it
// holds no database and every write is dropped.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    run_id TEXT,
    channel_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

// Open prepares the store described by cfg and applies retention once.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log, clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_time_format=sqlite", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Sessions record concurrently; one connection serialises the writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s.db = db

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil
}

// Close releases the database.
func (s *Store) Close() error {
	if !s.enabled() {
		return nil
	}
	return s.db.Close()
}

// AppendSession registers a session so its events can be recorded.
func (s *Store) AppendSession(ctx context.Context, sessionID, channelID, privacy string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, channel_id, privacy_scope, created_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET channel_id=excluded.channel_id, privacy_scope=excluded.privacy_scope`,
		sessionID, channelID, privacy, s.clock().UTC())
	return err
}

// AppendEvent writes evt, stamping it with the store clock when CreatedAt is unset.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, run_id, channel_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.RunID, evt.ChannelID, evt.Type, []byte(evt.Payload), evt.Privacy, evt.CreatedAt.UTC())
	return err
}

// Record appends an event whose payload is v encoded as JSON.
func (s *Store) Record(ctx context.Context, sessionID, runID, channelID, eventType string, v any) error {
	if !s.enabled() {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return s.AppendEvent(ctx, Event{
		SessionID: sessionID,
		RunID:     runID,
		ChannelID: channelID,
		Type:      eventType,
		Payload:   payload,
		Privacy:   s.cfg.Privacy,
	})
}

// Timeline returns up to limit events of a session, oldest first.
func (s *Store) Timeline(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultTimelineLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, COALESCE(run_id, ''), COALESCE(channel_id, ''), event_type, payload, COALESCE(privacy_scope, ''), created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RunID, &e.ChannelID, &e.Type, &payload, &e.Privacy, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTimestamp(created)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention. Sessions older than
// retention_days go first, then all but the newest max_sessions.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if err = pruneOlderThan(ctx, tx, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id IN (
				SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?)`,
			s.cfg.MaxSessions); err != nil {
			return fmt.Errorf("prune by session count: %w", err)
		}
	}
	return tx.Commit()
}

func pruneOlderThan(ctx context.Context, tx *sql.Tx, cutoff time.Time) error {
	for _, stmt := range []string{
		`DELETE FROM events WHERE created_at < ?`,
		`DELETE FROM sessions WHERE created_at < ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
	}
	return nil
}

// parseTimestamp accepts both the driver's sqlite layout and RFC 3339, which
// database/sql produces when the driver already decoded a time.Time.
func parseTimestamp(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
