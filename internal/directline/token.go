package directline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTokenLifetime = 30 * time.Minute
	tokenFlightTimeout   = 2 * defaultTimeout
)

type tokenIssuer interface {
	GenerateToken(ctx context.Context) (Conversation, error)
	RefreshToken(ctx context.Context, token string) (Conversation, error)
}

// TokenCache holds the relay credential. The token is reused while
// now-issuedAt < expiresIn; a stale token is replaced by a single in-flight
// exchange shared by all concurrent callers.
type TokenCache struct {
	issuer tokenIssuer
	now    func() time.Time
	logger *slog.Logger
	group  singleflight.Group
	flight time.Duration

	mu        sync.Mutex
	token     string
	issuedAt  time.Time
	expiresIn time.Duration
}

// NewTokenCache creates a cache backed by issuer. now defaults to time.Now.
func NewTokenCache(log *slog.Logger, issuer tokenIssuer, now func() time.Time) *TokenCache {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		issuer: issuer,
		now:    now,
		logger: log.With(slog.String("component", "directline_token")),
		flight: tokenFlightTimeout,
	}
}

// Get returns a valid token, generating a new one when the cached token is stale.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	return c.share(ctx, func(ctx context.Context) (string, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		conv, err := c.issuer.GenerateToken(ctx)
		if err != nil {
			return "", err
		}
		return c.store(conv), nil
	})
}

// Refresh extends the current token, or generates one if there is none or it
// already expired. It shares the in-flight slot with Get.
func (c *TokenCache) Refresh(ctx context.Context) error {
	_, err := c.share(ctx, func(ctx context.Context) (string, error) {
		current, ok := c.cached()
		var (
			conv Conversation
			err  error
		)
		if ok {
			conv, err = c.issuer.RefreshToken(ctx, current)
		} else {
			conv, err = c.issuer.GenerateToken(ctx)
		}
		if err != nil {
			return "", err
		}
		return c.store(conv), nil
	})
	if err != nil {
		c.logger.Warn("relay token refresh failed", slog.Any("error", err))
	}
	return err
}

// share runs fn once for all concurrent callers on a context detached from
// the caller that started it. Each caller stops waiting when its own ctx ends.
func (c *TokenCache) share(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	ch := c.group.DoChan("token", func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flight)
		defer cancel()
		return fn(flightCtx)
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

// Token implements oauth2.TokenSource.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	tok, err := c.Get(context.Background())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	expiry := c.issuedAt.Add(c.expiresIn)
	c.mu.Unlock()
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer", Expiry: expiry}, nil
}

// ExpiresAt reports when the cached token stops being reused.
func (c *TokenCache) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return time.Time{}
	}
	return c.issuedAt.Add(c.expiresIn)
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", false
	}
	if c.now().Sub(c.issuedAt) >= c.expiresIn {
		return "", false
	}
	return c.token, true
}

func (c *TokenCache) store(conv Conversation) string {
	lifetime := time.Duration(conv.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = tokenLifetime(conv.Token, c.now())
	}
	c.mu.Lock()
	c.token = conv.Token
	c.issuedAt = c.now()
	c.expiresIn = lifetime
	c.mu.Unlock()
	c.logger.Info("relay token issued", slog.Duration("expires_in", lifetime))
	return conv.Token
}

// tokenLifetime reads the exp claim of a JWT-shaped token without verifying
// it. Opaque tokens fall back to the relay's documented default lifetime.
func tokenLifetime(token string, now time.Time) time.Duration {
	if strings.Count(token, ".") != 2 {
		return defaultTokenLifetime
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return defaultTokenLifetime
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return defaultTokenLifetime
	}
	if d := exp.Sub(now); d > 0 {
		return d
	}
	return 0
}
