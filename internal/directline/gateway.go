package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
	apiPrefix        = "/v3/directline"
)

// Config configures a Gateway.
type Config struct {
	Endpoint string
	Secret   string
	BotID    string
	Timeout  time.Duration
}

// Gateway manages relay sessions: start, join, post, and token operations.
// Session calls authenticate with the current token source; token calls use
// explicit credentials.
type Gateway struct {
	endpoint string
	secret   string
	botID    string
	logger   *slog.Logger
	source   *switchSource
	client   *http.Client
	raw      *http.Client
}

// NewGateway creates a Gateway authenticating with the bot secret until
// UseTokenSource installs another credential.
func NewGateway(log *slog.Logger, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	source := &switchSource{src: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Secret, TokenType: "Bearer"})}
	return &Gateway{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		secret:   cfg.Secret,
		botID:    cfg.BotID,
		logger:   log.With(slog.String("component", "directline")),
		source:   source,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: source, Base: http.DefaultTransport},
		},
		raw: &http.Client{Timeout: timeout},
	}
}

// UseTokenSource replaces the credential used by session calls.
func (g *Gateway) UseTokenSource(src oauth2.TokenSource) {
	if src == nil {
		return
	}
	g.source.set(src)
}

// Start opens a new relay conversation.
func (g *Gateway) Start(ctx context.Context) (Conversation, error) {
	var conv Conversation
	if err := g.do(ctx, g.client, "start", http.MethodPost, apiPrefix+"/conversations", "", nil, &conv); err != nil {
		return Conversation{}, err
	}
	if strings.TrimSpace(conv.ConversationID) == "" {
		return Conversation{}, &RelayError{Op: "start", Err: errors.New("empty conversation id")}
	}
	g.logger.Info("conversation started", slog.String("conversation_id", conv.ConversationID))
	return conv, nil
}

// Join posts a conversationUpdate turn so the relay host binds userID to the
// conversation. It must precede the first message turn.
func (g *Gateway) Join(ctx context.Context, conversationID, userID, subchannel string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUserRequired
	}
	activity := Activity{
		Type: ActivityTypeConversationUpdate,
		From: ChannelAccount{ID: userID},
		ChannelData: &ChannelData{
			Subchannel: subchannel,
			UserID:     userID,
		},
	}
	_, err := g.PostActivity(ctx, conversationID, activity)
	return err
}

// Post relays text as a message turn. An empty userID posts as the bot.
func (g *Gateway) Post(ctx context.Context, conversationID, text, userID, subchannel string) error {
	from := userID
	if strings.TrimSpace(from) == "" {
		from = g.botID
	}
	activity := Activity{
		Type: ActivityTypeMessage,
		From: ChannelAccount{ID: from},
		Text: text,
		ChannelData: &ChannelData{
			Subchannel: subchannel,
			UserID:     userID,
		},
	}
	_, err := g.PostActivity(ctx, conversationID, activity)
	return err
}

// PostActivity sends an arbitrary activity and returns the id assigned by the relay.
func (g *Gateway) PostActivity(ctx context.Context, conversationID string, activity Activity) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", ErrConversationRequired
	}
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.Timestamp == "" {
		activity.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	var resp resourceResponse
	path := apiPrefix + "/conversations/" + url.PathEscape(conversationID) + "/activities"
	if err := g.do(ctx, g.client, "post activity", http.MethodPost, path, "", activity, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GenerateToken exchanges the bot secret for a conversation token.
func (g *Gateway) GenerateToken(ctx context.Context) (Conversation, error) {
	if strings.TrimSpace(g.secret) == "" {
		return Conversation{}, ErrSecretRequired
	}
	var conv Conversation
	if err := g.do(ctx, g.raw, "generate token", http.MethodPost, apiPrefix+"/tokens/generate", g.secret, nil, &conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// RefreshToken extends the lifetime of a token that has not yet expired.
func (g *Gateway) RefreshToken(ctx context.Context, token string) (Conversation, error) {
	if strings.TrimSpace(token) == "" {
		return Conversation{}, &RelayError{Op: "refresh token", Err: errors.New("token is required")}
	}
	var conv Conversation
	if err := g.do(ctx, g.raw, "refresh token", http.MethodPost, apiPrefix+"/tokens/refresh", token, nil, &conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// Reconnect fetches a fresh stream URL for an existing conversation.
func (g *Gateway) Reconnect(ctx context.Context, conversationID, watermark string) (Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Conversation{}, ErrConversationRequired
	}
	path := apiPrefix + "/conversations/" + url.PathEscape(conversationID)
	if watermark != "" {
		path += "?watermark=" + url.QueryEscape(watermark)
	}
	var conv Conversation
	if err := g.do(ctx, g.client, "reconnect", http.MethodGet, path, "", nil, &conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (g *Gateway) do(ctx context.Context, client *http.Client, op, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &RelayError{Op: op, Err: err}
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, g.endpoint+path, body)
	if err != nil {
		return &RelayError{Op: op, Err: err}
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return &RelayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &RelayError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Error("relay error", slog.String("op", op), slog.Int("status", resp.StatusCode), slog.String("body_prefix", truncate(string(respBody), 300)))
		return &RelayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(truncate(string(respBody), 300)))}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &RelayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("parse response: %w", err)}
	}
	return nil
}

// switchSource lets the credential be swapped after the HTTP client is built.
type switchSource struct {
	mu  sync.RWMutex
	src oauth2.TokenSource
}

func (s *switchSource) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	src := s.src
	s.mu.RUnlock()
	return src.Token()
}

func (s *switchSource) set(src oauth2.TokenSource) {
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
