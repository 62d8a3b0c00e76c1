package historystore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Record is one persisted chat turn.
type Record struct {
	ID        string
	SessionID string
	Sender    string
	Text      string
	Cached    bool
	CreatedAt time.Time
}

// Store persists chat history in sqlite. The session treats it as
// best-effort: append failures are logged by the caller, never fatal.
type Store struct {
	db *sql.DB
}

func New(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("history store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "history store: open")
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile builds a sqlite DSN with sane defaults for a local history file.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("history store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("history store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			cached INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_session ON messages(session_id, created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "history store: migrate")
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return errors.New("history store: db is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("history store: record ID is empty")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return errors.New("history store: session ID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	cached := 0
	if rec.Cached {
		cached = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages(id, session_id, sender, text, cached, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.Sender, rec.Text, cached, createdAt.UnixMilli())
	return errors.Wrap(err, "history store: append")
}

// List returns up to limit records for a session in chronological order.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store: db is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("history store: session ID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender, text, cached, created_at_ms
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at_ms ASC, id ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "history store: query")
	}
	defer func() { _ = rows.Close() }()

	out := []Record{}
	for rows.Next() {
		var (
			rec         Record
			cached      int
			createdAtMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Sender, &rec.Text, &cached, &createdAtMs); err != nil {
			return nil, errors.Wrap(err, "history store: scan")
		}
		rec.Cached = cached != 0
		rec.CreatedAt = time.UnixMilli(createdAtMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "history store: iterate")
	}
	return out, nil
}
