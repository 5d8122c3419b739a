package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	tokenExchangeAttempts = 3
	tokenExchangeBackoff  = 500 * time.Millisecond
	defaultTimeout        = 15 * time.Second
)

// AccessToken is the platform credential. It is valid while
// now - IssuedAt < ExpiresIn.
type AccessToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresIn time.Duration
}

// Valid reports whether the token can be used at now.
func (t AccessToken) Valid(now time.Time) bool {
	return t.Token != "" && now.Sub(t.IssuedAt) < t.ExpiresIn
}

// TokenConfig configures a TokenCache.
type TokenConfig struct {
	AppID     string
	AppSecret string
	TokenURI  string
	Timeout   time.Duration
}

// TokenCache owns the access token of one app. Concurrent callers that find
// the token stale share a single exchange.
type TokenCache struct {
	cfg     TokenConfig
	client  *http.Client
	now     func() time.Time
	logger  *slog.Logger
	group   singleflight.Group
	backoff time.Duration
	// flight bounds a shared exchange, which outlives the caller that started it.
	flight time.Duration

	mu      sync.Mutex
	current AccessToken
}

// NewTokenCache creates a cache. now defaults to time.Now.
func NewTokenCache(log *slog.Logger, cfg TokenConfig, now func() time.Time) *TokenCache {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &TokenCache{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		now:     now,
		logger:  log.With(slog.String("component", "wechat_token")),
		backoff: tokenExchangeBackoff,
		flight:  tokenExchangeAttempts * (timeout + tokenExchangeBackoff),
	}
}

// Get returns a valid access token, exchanging the app credentials when the
// cached one is missing or stale. The exchange is shared by every caller
// waiting on it; each caller only gives up on its own ctx.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	ch := c.group.DoChan("token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flight)
		defer cancel()
		tok, err := c.exchange(flightCtx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.current = tok
		c.mu.Unlock()
		c.logger.Info("access token refreshed", slog.Duration("expires_in", tok.ExpiresIn))
		return tok.Token, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Current returns the cached token without refreshing it.
func (c *TokenCache) Current() AccessToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Invalidate drops the cached token so the next Get exchanges a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.current = AccessToken{}
	c.mu.Unlock()
}

// Token implements oauth2.TokenSource.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	tok, err := c.Get(context.Background())
	if err != nil {
		return nil, err
	}
	cur := c.Current()
	return &oauth2.Token{AccessToken: tok, Expiry: cur.IssuedAt.Add(cur.ExpiresIn)}, nil
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.Valid(c.now()) {
		return c.current.Token, true
	}
	return "", false
}

// exchange is the only platform call retried locally.
func (c *TokenCache) exchange(ctx context.Context) (AccessToken, error) {
	if strings.TrimSpace(c.cfg.AppID) == "" || strings.TrimSpace(c.cfg.AppSecret) == "" {
		return AccessToken{}, ErrCredentialsRequired
	}
	var lastErr error
	for i := 0; i < tokenExchangeAttempts; i++ {
		tok, err := c.fetch(ctx)
		if err == nil {
			return tok, nil
		}
		lastErr = err
		c.logger.Warn("access token exchange failed",
			slog.Int("attempt", i+1),
			slog.Any("error", err),
		)
		if i+1 < tokenExchangeAttempts {
			select {
			case <-ctx.Done():
				return AccessToken{}, ctx.Err()
			case <-time.After(c.backoff * time.Duration(i+1)):
			}
		}
	}
	return AccessToken{}, lastErr
}

func (c *TokenCache) fetch(ctx context.Context) (AccessToken, error) {
	u, err := url.Parse(c.cfg.TokenURI)
	if err != nil {
		return AccessToken{}, &APIError{Op: "token", Err: err}
	}
	q := u.Query()
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.cfg.AppID)
	q.Set("secret", c.cfg.AppSecret)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return AccessToken{}, &APIError{Op: "token", Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return AccessToken{}, &APIError{Op: "token", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return AccessToken{}, &APIError{Op: "token", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return AccessToken{}, &APIError{Op: "token", StatusCode: resp.StatusCode}
	}
	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return AccessToken{}, &APIError{Op: "token", StatusCode: resp.StatusCode, Err: fmt.Errorf("parse response: %w", err)}
	}
	if parsed.ErrCode != 0 || parsed.AccessToken == "" {
		return AccessToken{}, &APIError{Op: "token", StatusCode: resp.StatusCode, ErrCode: parsed.ErrCode, ErrMsg: parsed.ErrMsg}
	}
	return AccessToken{
		Token:     parsed.AccessToken,
		IssuedAt:  c.now(),
		ExpiresIn: time.Duration(parsed.ExpiresIn) * time.Second,
	}, nil
}
