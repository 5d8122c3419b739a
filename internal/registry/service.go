package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/geffzhang/weyhdbot/internal/events"
)

// createTimeout bounds a shared session creation, which outlives the caller
// that started it.
const createTimeout = time.Minute

// Service resolves identities to session records, creating them on first use.
type Service struct {
	store     Store
	logger    *slog.Logger
	group     singleflight.Group
	now       func() time.Time
	publisher events.Publisher
	flight    time.Duration
}

// NewService creates a Service over store.
func NewService(log *slog.Logger, store Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		logger: log.With(slog.String("service", "registry")),
		now:    time.Now,
		flight: createTimeout,
	}
}

// SetPublisher enables session-created events.
func (s *Service) SetPublisher(pub events.Publisher) {
	s.publisher = pub
}

// Lookup returns the record for id without creating one.
func (s *Service) Lookup(ctx context.Context, id Identity) (Record, bool, error) {
	if err := id.Validate(); err != nil {
		return Record{}, false, err
	}
	return s.store.Query(ctx, QueryFor(id))
}

// GetOrCreate returns the record for id. When none exists, factory runs once
// per identity within this process and the result is stored with the store's
// create-if-absent; a concurrent writer elsewhere wins by returning its record.
// Callers waiting on the same creation stop waiting when their own ctx ends;
// the creation itself continues for the others.
func (s *Service) GetOrCreate(ctx context.Context, id Identity, factory Factory) (Record, error) {
	if err := id.Validate(); err != nil {
		return Record{}, err
	}
	if factory == nil {
		return Record{}, ErrFactoryRequired
	}
	id = id.normalize()
	if rec, ok, err := s.store.Query(ctx, QueryFor(id)); err != nil {
		return Record{}, err
	} else if ok {
		return rec, nil
	}

	ch := s.group.DoChan(id.key(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flight)
		defer cancel()
		if rec, ok, err := s.store.Query(ctx, QueryFor(id)); err != nil {
			return nil, err
		} else if ok {
			return rec, nil
		}
		conversationID, err := factory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
		rec := Record{
			ID: uuid.NewString(),
			Data: RecordData{
				ChannelID:      id.ChannelID,
				Subchannel:     id.Subchannel,
				UserID:         id.UserID,
				ConversationID: conversationID,
			},
			CreatedAt: s.now().UTC(),
		}
		stored, created, err := s.store.CreateIfAbsent(ctx, rec)
		if err != nil {
			return nil, err
		}
		if !created {
			s.logger.Info("session created concurrently, using stored record",
				slog.String("user_id", id.UserID),
				slog.String("record_id", stored.ID),
				slog.String("orphan_conversation_id", conversationID),
			)
			return stored, nil
		}
		s.logger.Info("session created",
			slog.String("user_id", id.UserID),
			slog.String("channel_id", id.ChannelID),
			slog.String("subchannel", id.Subchannel),
			slog.String("conversation_id", conversationID),
		)
		events.Emit(ctx, s.publisher, s.logger, events.TypeSessionCreated, events.SessionCreated{
			RecordID:       stored.ID,
			ChannelID:      stored.Data.ChannelID,
			Subchannel:     stored.Data.Subchannel,
			UserID:         stored.Data.UserID,
			ConversationID: stored.Data.ConversationID,
		})
		return stored, nil
	})
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Record{}, res.Err
		}
		return res.Val.(Record), nil
	}
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close releases the backing store.
func (s *Service) Close() error {
	return s.store.Close()
}
