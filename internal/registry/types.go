// Package registry maps external chat identities to relay sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrIdentityIncomplete = errors.New("identity requires user id and channel id")
	ErrFactoryRequired    = errors.New("session factory is required")
)

// Identity is the external tuple a session belongs to. An empty Subchannel
// matches any subchannel on lookup.
type Identity struct {
	UserID     string
	ChannelID  string
	Subchannel string
}

func (i Identity) normalize() Identity {
	return Identity{
		UserID:     strings.TrimSpace(i.UserID),
		ChannelID:  strings.TrimSpace(i.ChannelID),
		Subchannel: strings.TrimSpace(i.Subchannel),
	}
}

// Validate reports whether the identity can be stored.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" || strings.TrimSpace(i.ChannelID) == "" {
		return ErrIdentityIncomplete
	}
	return nil
}

func (i Identity) key() string {
	sub := i.Subchannel
	if sub == "" {
		sub = "*"
	}
	return i.ChannelID + "|" + sub + "|" + i.UserID
}

// RecordData is the stored document body.
type RecordData struct {
	ChannelID      string `json:"channelId"`
	Subchannel     string `json:"subchannel"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// Record is one session mapping. It is never updated after creation.
type Record struct {
	ID        string     `json:"id"`
	Data      RecordData `json:"data"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Identity returns the tuple the record is stored under.
func (r Record) Identity() Identity {
	return Identity{UserID: r.Data.UserID, ChannelID: r.Data.ChannelID, Subchannel: r.Data.Subchannel}
}

// Query selects records by identity. AnySubchannel ignores Subchannel.
type Query struct {
	UserID        string
	ChannelID     string
	Subchannel    string
	AnySubchannel bool
}

// QueryFor builds the lookup for id, treating an empty subchannel as a wildcard.
func QueryFor(id Identity) Query {
	id = id.normalize()
	return Query{
		UserID:        id.UserID,
		ChannelID:     id.ChannelID,
		Subchannel:    id.Subchannel,
		AnySubchannel: id.Subchannel == "",
	}
}

// Match reports whether d satisfies q.
func (q Query) Match(d RecordData) bool {
	if d.UserID != q.UserID || d.ChannelID != q.ChannelID {
		return false
	}
	return q.AnySubchannel || d.Subchannel == q.Subchannel
}

// Store persists records. CreateIfAbsent must be atomic per identity tuple:
// when a record for the tuple already exists it returns that record and false.
// Query returns the oldest matching record.
type Store interface {
	CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	Query(ctx context.Context, q Query) (Record, bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Factory opens a relay session for id and returns its conversation id.
type Factory func(ctx context.Context, id Identity) (string, error)

// StorageError wraps a failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
