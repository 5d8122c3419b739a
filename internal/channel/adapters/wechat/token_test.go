package wechat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type tokenServer struct {
	calls     atomic.Int32
	failFor   int32
	delay     time.Duration
	expiresIn int
	query     atomic.Value
}

func (s *tokenServer) start(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.calls.Add(1)
		s.query.Store(r.URL.RawQuery)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if n <= s.failFor {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		expiresIn := s.expiresIn
		if expiresIn == 0 {
			expiresIn = 7200
		}
		_, _ = fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":%d}`, n, expiresIn)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/cgi-bin/token"
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenCacheReuseAndExpiry(t *testing.T) {
	t.Parallel()

	srv := &tokenServer{expiresIn: 3600}
	uri := srv.start(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	cache := NewTokenCache(nil, TokenConfig{AppID: "app", AppSecret: "secret", TokenURI: uri}, clk.Now)

	tok, err := cache.Get(context.Background())
	if err != nil || tok != "token-1" {
		t.Fatalf("unexpected token %q err %v", tok, err)
	}
	if q, _ := srv.query.Load().(string); q != "appid=app&grant_type=client_credential&secret=secret" {
		t.Fatalf("unexpected query %q", q)
	}
	if cur := cache.Current(); !cur.IssuedAt.Equal(clk.Now()) || cur.ExpiresIn != 3600*time.Second {
		t.Fatalf("unexpected current token %#v", cur)
	}

	clk.Advance(3000 * time.Second)
	if tok, _ := cache.Get(context.Background()); tok != "token-1" {
		t.Fatalf("expected reuse, got %q", tok)
	}
	clk.Advance(700 * time.Second)
	if tok, _ := cache.Get(context.Background()); tok != "token-2" {
		t.Fatalf("expected refresh at expiry, got %q", tok)
	}
	if n := srv.calls.Load(); n != 2 {
		t.Fatalf("expected 2 exchanges, got %d", n)
	}
}

func TestTokenCacheSingleFlight(t *testing.T) {
	t.Parallel()

	srv := &tokenServer{delay: 50 * time.Millisecond}
	cache := NewTokenCache(nil, TokenConfig{AppID: "app", AppSecret: "secret", TokenURI: srv.start(t)}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := cache.Get(context.Background()); err != nil || tok != "token-1" {
				t.Errorf("unexpected token %q err %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if n := srv.calls.Load(); n != 1 {
		t.Fatalf("expected one exchange, got %d", n)
	}
}

func TestTokenCacheSingleFlightAtExpiry(t *testing.T) {
	t.Parallel()

	srv := &tokenServer{expiresIn: 3600, delay: 50 * time.Millisecond}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	cache := NewTokenCache(nil, TokenConfig{AppID: "app", AppSecret: "secret", TokenURI: srv.start(t)}, clk.Now)

	if tok, err := cache.Get(context.Background()); err != nil || tok != "token-1" {
		t.Fatalf("unexpected token %q err %v", tok, err)
	}
	clk.Advance(cache.Current().ExpiresIn)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := cache.Get(context.Background()); err != nil || tok != "token-2" {
				t.Errorf("unexpected token %q err %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if n := srv.calls.Load(); n != 2 {
		t.Fatalf("expected one exchange at expiry, got %d total", n)
	}
}

func TestTokenCacheExchangeOutlivesStartingCaller(t *testing.T) {
	t.Parallel()

	srv := &tokenServer{delay: 300 * time.Millisecond}
	cache := NewTokenCache(nil, TokenConfig{AppID: "app", AppSecret: "secret", TokenURI: srv.start(t)}, nil)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	shortErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(short)
		shortErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	tok, err := cache.Get(context.Background())
	if err != nil || tok != "token-1" {
		t.Fatalf("background caller: unexpected token %q err %v", tok, err)
	}
	if err := <-shortErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("short caller: expected deadline exceeded, got %v", err)
	}
	if n := srv.calls.Load(); n != 1 {
		t.Fatalf("expected one shared exchange, got %d", n)
	}
}

func TestTokenCacheRetriesExchange(t *testing.T) {
	t.Parallel()

	srv := &tokenServer{failFor: 2}
	cache := NewTokenCache(nil, TokenConfig{AppID: "app", AppSecret: "secret", TokenURI: srv.start(t)}, nil)
	cache.backoff = time.Millisecond

	tok, err := cache.Get(context.Background())
	if err != nil || tok != "token-3" {
		t.Fatalf("unexpected token %q err %v", tok, err)
	}

	failing := &tokenServer{failFor: 10}
	cache = NewTokenCache(nil, TokenConfig{AppID: "app", AppSecret: "secret", TokenURI: failing.start(t)}, nil)
	cache.backoff = time.Millisecond
	_, err = cache.Get(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected APIError with status, got %v", err)
	}
	if n := failing.calls.Load(); n != tokenExchangeAttempts {
		t.Fatalf("expected %d attempts, got %d", tokenExchangeAttempts, n)
	}
}

func TestTokenCacheErrcodeAndInvalidate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":40013,"errmsg":"invalid appid"}`))
	}))
	defer srv.Close()
	cache := NewTokenCache(nil, TokenConfig{AppID: "bad", AppSecret: "secret", TokenURI: srv.URL}, nil)
	cache.backoff = time.Millisecond
	_, err := cache.Get(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrCode != 40013 {
		t.Fatalf("expected errcode 40013, got %v", err)
	}

	ok := &tokenServer{}
	cache = NewTokenCache(nil, TokenConfig{AppID: "app", AppSecret: "secret", TokenURI: ok.start(t)}, nil)
	_, _ = cache.Get(context.Background())
	cache.Invalidate()
	if tok, _ := cache.Get(context.Background()); tok != "token-2" {
		t.Fatalf("expected new token after invalidate, got %q", tok)
	}
	src, err := cache.Token()
	if err != nil || src.AccessToken != "token-2" || src.Expiry.IsZero() {
		t.Fatalf("unexpected oauth2 token %#v %v", src, err)
	}
}

func TestTokenCacheRequiresCredentials(t *testing.T) {
	t.Parallel()

	cache := NewTokenCache(nil, TokenConfig{TokenURI: "http://127.0.0.1:1"}, nil)
	if _, err := cache.Get(context.Background()); !errors.Is(err, ErrCredentialsRequired) {
		t.Fatalf("expected ErrCredentialsRequired, got %v", err)
	}
}
