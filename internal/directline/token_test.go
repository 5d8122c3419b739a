package directline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeIssuer struct {
	token     string
	expiresIn int
	err       error
	delay     time.Duration

	generated atomic.Int32
	refreshed atomic.Int32
}

func (f *fakeIssuer) GenerateToken(context.Context) (Conversation, error) {
	f.generated.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return Conversation{}, f.err
	}
	return Conversation{Token: f.token, ExpiresIn: f.expiresIn}, nil
}

func (f *fakeIssuer) RefreshToken(_ context.Context, token string) (Conversation, error) {
	f.refreshed.Add(1)
	if f.err != nil {
		return Conversation{}, f.err
	}
	return Conversation{Token: token + "+", ExpiresIn: f.expiresIn}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenCacheReusesUntilExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	issuer := &fakeIssuer{token: "tok", expiresIn: 3600}
	cache := NewTokenCache(nil, issuer, clock.Now)

	for _, step := range []time.Duration{0, 3000 * time.Second} {
		clock.Advance(step)
		tok, err := cache.Get(context.Background())
		if err != nil || tok != "tok" {
			t.Fatalf("unexpected token %q err %v", tok, err)
		}
	}
	if got := issuer.generated.Load(); got != 1 {
		t.Fatalf("expected one exchange, got %d", got)
	}

	clock.Advance(700 * time.Second)
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := issuer.generated.Load(); got != 2 {
		t.Fatalf("expected a second exchange after expiry, got %d", got)
	}
}

func TestTokenCacheSingleFlight(t *testing.T) {
	t.Parallel()

	issuer := &fakeIssuer{token: "tok", expiresIn: 3600, delay: 50 * time.Millisecond}
	cache := NewTokenCache(nil, issuer, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := cache.Get(context.Background()); err != nil || tok != "tok" {
				t.Errorf("unexpected token %q err %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if got := issuer.generated.Load(); got != 1 {
		t.Fatalf("expected one exchange for concurrent callers, got %d", got)
	}
}

// slowIssuer honours the request context the way the gateway's HTTP calls do.
type slowIssuer struct {
	delay time.Duration
	calls atomic.Int32
}

func (s *slowIssuer) GenerateToken(ctx context.Context) (Conversation, error) {
	s.calls.Add(1)
	select {
	case <-ctx.Done():
		return Conversation{}, ctx.Err()
	case <-time.After(s.delay):
		return Conversation{Token: "tok", ExpiresIn: 3600}, nil
	}
}

func (s *slowIssuer) RefreshToken(ctx context.Context, _ string) (Conversation, error) {
	return s.GenerateToken(ctx)
}

func TestTokenCacheSharedExchangeIgnoresStarterCancellation(t *testing.T) {
	t.Parallel()

	issuer := &slowIssuer{delay: 300 * time.Millisecond}
	cache := NewTokenCache(nil, issuer, nil)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	refreshErr := make(chan error, 1)
	go func() { refreshErr <- cache.Refresh(short) }()
	time.Sleep(10 * time.Millisecond)

	tok, err := cache.Get(context.Background())
	if err != nil || tok != "tok" {
		t.Fatalf("background caller: unexpected token %q err %v", tok, err)
	}
	if err := <-refreshErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("short refresh: expected deadline exceeded, got %v", err)
	}
	if got := issuer.calls.Load(); got != 1 {
		t.Fatalf("expected one shared exchange, got %d", got)
	}
}

func TestTokenCacheRefresh(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	issuer := &fakeIssuer{token: "tok", expiresIn: 1800}
	cache := NewTokenCache(nil, issuer, clock.Now)

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if issuer.generated.Load() != 1 || issuer.refreshed.Load() != 0 {
		t.Fatal("expected refresh without a token to generate one")
	}
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if issuer.refreshed.Load() != 1 {
		t.Fatal("expected refresh of a valid token to call RefreshToken")
	}
	tok, _ := cache.Get(context.Background())
	if tok != "tok+" {
		t.Fatalf("expected refreshed token, got %q", tok)
	}
	if want := clock.Now().Add(1800 * time.Second); !cache.ExpiresAt().Equal(want) {
		t.Fatalf("unexpected expiry %v, want %v", cache.ExpiresAt(), want)
	}
}

func TestTokenCachePropagatesErrors(t *testing.T) {
	t.Parallel()

	issuer := &fakeIssuer{err: errors.New("boom")}
	cache := NewTokenCache(nil, issuer, nil)
	if _, err := cache.Get(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := cache.Token(); err == nil {
		t.Fatal("expected token source error")
	}
}

func TestTokenLifetimeFromJWT(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(20 * time.Minute).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := tokenLifetime(signed, now); got != 20*time.Minute {
		t.Fatalf("unexpected lifetime %v", got)
	}
	if got := tokenLifetime("opaque", now); got != defaultTokenLifetime {
		t.Fatalf("unexpected opaque lifetime %v", got)
	}
	if got := tokenLifetime(signed, now.Add(time.Hour)); got != 0 {
		t.Fatalf("expected expired token to have no lifetime, got %v", got)
	}
}
