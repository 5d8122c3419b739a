// Package postgres stores session records as JSONB documents in Postgres.
// The schema is managed by the migrations in internal/db.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geffzhang/weyhdbot/internal/registry"
)

// DBTX is the subset of pgx used by Store.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	insertRecord = `INSERT INTO session_records (id, channel_id, subchannel, user_id, data, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (channel_id, subchannel, user_id) DO NOTHING`

	selectExact = `SELECT id::text, data, created_at FROM session_records
WHERE channel_id = $1 AND subchannel = $2 AND user_id = $3`

	selectOldest = `SELECT id::text, data, created_at FROM session_records
WHERE channel_id = $1 AND user_id = $2
ORDER BY created_at ASC, id ASC LIMIT 1`
)

// Store implements registry.Store on Postgres.
type Store struct {
	db     DBTX
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects a pool to dsn and verifies it.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	store := New(pool, log)
	store.pool = pool
	return store, nil
}

// New wraps an existing connection or pool.
func New(db DBTX, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log.With(slog.String("store", "postgres"))}
}

func (s *Store) CreateIfAbsent(ctx context.Context, rec registry.Record) (registry.Record, bool, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "encode", Err: err}
	}
	tag, err := s.db.Exec(ctx, insertRecord,
		rec.ID, rec.Data.ChannelID, rec.Data.Subchannel, rec.Data.UserID, data, rec.CreatedAt)
	if err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "insert", Err: err}
	}
	if tag.RowsAffected() == 1 {
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
	var row pgx.Row
	if q.AnySubchannel {
		row = s.db.QueryRow(ctx, selectOldest, q.ChannelID, q.UserID)
	} else {
		row = s.db.QueryRow(ctx, selectExact, q.ChannelID, q.Subchannel, q.UserID)
	}
	var (
		rec     registry.Record
		data    []byte
		created time.Time
	)
	if err := row.Scan(&rec.ID, &data, &created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Record{}, false, nil
		}
		return registry.Record{}, false, &registry.StorageError{Op: "query", Err: err}
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "decode", Err: err}
	}
	rec.CreatedAt = created.UTC()
	return rec, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
