// Package redis stores session records as JSON values keyed by identity.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/geffzhang/weyhdbot/internal/registry"
)

// createScript sets the record only when absent and indexes it by
// (channel, user) with its creation time as score. It returns the flag and
// the stored value.
var createScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], KEYS[1])
  return {1, ARGV[1]}
end
return {0, redis.call('GET', KEYS[1])}
`)

// Options configures Open.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements registry.Store on Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// Open connects to Redis and verifies the connection.
func Open(opts Options, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &Store{
		rdb:    rdb,
		prefix: strings.TrimSuffix(opts.KeyPrefix, ":"),
		logger: log.With(slog.String("store", "redis")),
	}, nil
}

func (s *Store) recordKey(channelID, subchannel, userID string) string {
	return s.join("session", channelID, subchannel, userID)
}

func (s *Store) indexKey(channelID, userID string) string {
	return s.join("sessions", channelID, userID)
}

func (s *Store) join(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

func (s *Store) CreateIfAbsent(ctx context.Context, rec registry.Record) (registry.Record, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "encode", Err: err}
	}
	keys := []string{
		s.recordKey(rec.Data.ChannelID, rec.Data.Subchannel, rec.Data.UserID),
		s.indexKey(rec.Data.ChannelID, rec.Data.UserID),
	}
	res, err := createScript.Run(ctx, s.rdb, keys, string(data), rec.CreatedAt.UnixMilli()).Slice()
	if err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "insert", Err: err}
	}
	if len(res) != 2 {
		return registry.Record{}, false, &registry.StorageError{Op: "insert", Err: fmt.Errorf("unexpected script reply %v", res)}
	}
	created, _ := res[0].(int64)
	raw, _ := res[1].(string)
	if created == 1 {
		return rec, true, nil
	}
	stored, err := decode(raw)
	if err != nil {
		return registry.Record{}, false, err
	}
	return stored, false, nil
}

func (s *Store) Query(ctx context.Context, q registry.Query) (registry.Record, bool, error) {
	key := s.recordKey(q.ChannelID, q.Subchannel, q.UserID)
	if q.AnySubchannel {
		oldest, err := s.rdb.ZRange(ctx, s.indexKey(q.ChannelID, q.UserID), 0, 0).Result()
		if err != nil {
			return registry.Record{}, false, &registry.StorageError{Op: "query", Err: err}
		}
		if len(oldest) == 0 {
			return registry.Record{}, false, nil
		}
		key = oldest[0]
	}
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return registry.Record{}, false, nil
	}
	if err != nil {
		return registry.Record{}, false, &registry.StorageError{Op: "query", Err: err}
	}
	rec, err := decode(raw)
	if err != nil {
		return registry.Record{}, false, err
	}
	return rec, true, nil
}

func decode(raw string) (registry.Record, error) {
	var rec registry.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return registry.Record{}, &registry.StorageError{Op: "decode", Err: err}
	}
	return rec, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
