// Package sqlite stores session records in a local SQLite document table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/geffzhang/weyhdbot/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_records (
	id          TEXT PRIMARY KEY,
	channel_id  TEXT NOT NULL,
	subchannel  TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_session_records_identity
	ON session_records(channel_id, subchannel, user_id);
CREATE INDEX IF NOT EXISTS idx_session_records_user
	ON session_records(channel_id, user_id, created_at);
`

// Store implements registry.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file if needed and applies the schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("sqlite registry opened", slog.String("path", path))
	return &Store{db: db, logger: log.With(slog.String("store", "sqlite"))}, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, rec registry.Record) (registry.Record, bool, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "encode", Err: err}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_records (id, channel_id, subchannel, user_id, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id, subchannel, user_id) DO NOTHING`,
		rec.ID, rec.Data.ChannelID, rec.Data.Subchannel, rec.Data.UserID, string(data), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "insert", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return rec, true, nil
	}
	existing, ok, err := s.Query(ctx, registry.Query{
		UserID:     rec.Data.UserID,
		ChannelID:  rec.Data.ChannelID,
		Subchannel: rec.Data.Subchannel,
	})
	if err != nil {
		return registry.Record{}, false, err
	}
	if !ok {
		return registry.Record{}, false, &registry.StorageError{Op: "insert", Err: errors.New("conflicting record vanished")}
	}
	return existing, false, nil
}

func (s *Store) Query(ctx context.Context, q registry.Query) (registry.Record, bool, error) {
	var row *sql.Row
	if q.AnySubchannel {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, data, created_at FROM session_records
			 WHERE channel_id = ? AND user_id = ?
			 ORDER BY created_at ASC, id ASC LIMIT 1`,
			q.ChannelID, q.UserID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, data, created_at FROM session_records
			 WHERE channel_id = ? AND subchannel = ? AND user_id = ?`,
			q.ChannelID, q.Subchannel, q.UserID)
	}
	var (
		rec     registry.Record
		data    string
		created int64
	)
	if err := row.Scan(&rec.ID, &data, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Record{}, false, nil
		}
		return registry.Record{}, false, &registry.StorageError{Op: "query", Err: err}
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "decode", Err: err}
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
