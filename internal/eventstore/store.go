// Package eventstore journals recognition sessions: backend switches,
// errors and result metadata. Transcript text is never stored.
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

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-stt/internal/config"
)

const (
	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
	EventResult         = "result"
	EventBackendSwitch  = "backend.switch"
	EventError          = "error"
	EventLanguage       = "language.detected"
)

// Event is one journal entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Backend   string
	Payload   []byte
	CreatedAt time.Time
}

// Session summarizes one recognition session.
type Session struct {
	ID        string
	Language  string
	Backend   string
	StartedAt time.Time
	EndedAt   time.Time
}

// Store is a SQLite-backed session journal. In ephemeral mode every write
// is dropped.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open prepares the journal according to cfg.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

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

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    language TEXT,
    backend TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    backend TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether writes are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// StartSession records a new session or refreshes an existing one.
func (s *Store) StartSession(ctx context.Context, sessionID, language, backend string) error {
	if !s.Enabled() {
		return nil
	}
	now := s.clock().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, language, backend, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET language=excluded.language, backend=excluded.backend`,
		sessionID, language, backend, now)
	if err != nil {
		return fmt.Errorf("start session %s: %w", sessionID, err)
	}
	return s.Append(ctx, Event{SessionID: sessionID, Type: EventSessionStarted, Backend: backend})
}

// EndSession stamps the session end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		s.clock().UTC().UnixMilli(), sessionID); err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return s.Append(ctx, Event{SessionID: sessionID, Type: EventSessionEnded})
}

// Append writes one event.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, backend, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Backend, evt.Payload, evt.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return nil
}

// AppendJSON marshals payload into an event of the given type.
func (s *Store) AppendJSON(ctx context.Context, sessionID, eventType, backend string, payload any) error {
	if !s.Enabled() {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return s.Append(ctx, Event{SessionID: sessionID, Type: eventType, Backend: backend, Payload: data})
}

// ListSessionEvents returns up to limit events for a session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, COALESCE(backend, ''), payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Backend, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COALESCE(language, ''), COALESCE(backend, ''), started_at, COALESCE(ended_at, 0)
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess           Session
			started, ended int64
		)
		if err := rows.Scan(&sess.ID, &sess.Language, &sess.Backend, &started, &ended); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started).UTC()
		if ended > 0 {
			sess.EndedAt = time.UnixMilli(ended).UTC()
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies the configured retention. It runs on Open and can be
// scheduled.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() || s.cfg.RetentionMode == "persistent" && s.cfg.RetentionDays == 0 && s.cfg.MaxSessions == 0 {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
