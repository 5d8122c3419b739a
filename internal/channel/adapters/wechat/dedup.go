package wechat

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultDedupCapacity = 4096
	defaultDedupTTL      = 5 * time.Minute
)

type dedupState int

const (
	dedupPending dedupState = iota
	dedupDone
)

type dedupEntry struct {
	state dedupState
	at    time.Time
}

// Deduper suppresses platform redeliveries. A key is held from acceptance
// until its TTL runs out; Release forgets it early so a failed delivery can be
// processed again.
type Deduper struct {
	mu    sync.Mutex
	cache *lru.Cache[string, dedupEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewDeduper creates a Deduper holding at most capacity keys.
func NewDeduper(capacity int, ttl time.Duration, now func() time.Time) (*Deduper, error) {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New[string, dedupEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("wechat deduper init: %w", err)
	}
	return &Deduper{cache: cache, ttl: ttl, now: now}, nil
}

// Seen reports whether key was accepted within the TTL. An unseen key is
// recorded as pending.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if entry, ok := d.cache.Get(key); ok {
		if now.Sub(entry.at) < d.ttl {
			return true
		}
		d.cache.Remove(key)
	}
	d.cache.Add(key, dedupEntry{state: dedupPending, at: now})
	return false
}

// Complete marks key as processed. It stays suppressed until the TTL ends.
func (d *Deduper) Complete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.cache.Peek(key); ok {
		entry.state = dedupDone
		d.cache.Add(key, entry)
	}
}

// Release forgets key.
func (d *Deduper) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(key)
}

// Pending reports whether key was accepted and has not completed yet.
func (d *Deduper) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.cache.Peek(key)
	return ok && entry.state == dedupPending
}
