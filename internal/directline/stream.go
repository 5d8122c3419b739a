package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultStreamRetryDelay   = 2 * time.Second
	defaultStreamMaxFailures  = 5
	defaultStreamHandshakeTTL = 10 * time.Second
)

// TurnHandler receives bot turns read from a conversation stream.
type TurnHandler func(ctx context.Context, turn Activity) error

type reconnector interface {
	Reconnect(ctx context.Context, conversationID, watermark string) (Conversation, error)
}

// StreamSession names the conversation a listener follows and the external
// identity its turns belong to.
type StreamSession struct {
	ConversationID string
	UserID         string
	Subchannel     string
	StreamURL      string
}

// Hub keeps one websocket listener per conversation and hands every bot turn
// to the handler, tagged with the session's identity.
type Hub struct {
	gateway     reconnector
	handler     TurnHandler
	dialer      *websocket.Dialer
	logger      *slog.Logger
	retryDelay  time.Duration
	maxFailures int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	listeners map[string]struct{}
}

// NewHub creates a Hub. Listeners live until Stop.
func NewHub(log *slog.Logger, gateway reconnector, handler TurnHandler) *Hub {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		gateway:     gateway,
		handler:     handler,
		dialer:      &websocket.Dialer{HandshakeTimeout: defaultStreamHandshakeTTL},
		logger:      log.With(slog.String("component", "directline_stream")),
		retryDelay:  defaultStreamRetryDelay,
		maxFailures: defaultStreamMaxFailures,
		ctx:         ctx,
		cancel:      cancel,
		listeners:   map[string]struct{}{},
	}
}

// Ensure starts a listener for the session unless one is already running.
func (h *Hub) Ensure(s StreamSession) {
	id := strings.TrimSpace(s.ConversationID)
	if id == "" || h.handler == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.listeners[id]; ok || h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.listeners[id] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.forget(id)
		h.listen(h.ctx, s)
	}()
}

// Active returns the number of running listeners.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Stop closes all listeners and waits for them until ctx expires.
func (h *Hub) Stop(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.listeners, id)
	h.mu.Unlock()
}

func (h *Hub) listen(ctx context.Context, s StreamSession) {
	log := h.logger.With(slog.String("conversation_id", s.ConversationID))
	streamURL := s.StreamURL
	watermark := ""
	failures := 0
	for ctx.Err() == nil {
		if failures >= h.maxFailures {
			log.Warn("stream listener giving up", slog.Int("failures", failures))
			return
		}
		if streamURL == "" {
			if h.gateway == nil {
				return
			}
			conv, err := h.gateway.Reconnect(ctx, s.ConversationID, watermark)
			if err != nil || conv.StreamURL == "" {
				failures++
				log.Warn("stream reconnect failed", slog.Any("error", err))
				h.wait(ctx)
				continue
			}
			streamURL = conv.StreamURL
		}
		conn, _, err := h.dialer.DialContext(ctx, streamURL, nil)
		if err != nil {
			failures++
			streamURL = ""
			log.Warn("stream dial failed", slog.Any("error", err))
			h.wait(ctx)
			continue
		}
		failures = 0
		watermark = h.read(ctx, conn, s, watermark, log)
		streamURL = ""
	}
}

// read consumes frames until the socket fails or ctx ends and returns the
// last watermark seen.
func (h *Hub) read(ctx context.Context, conn *websocket.Conn, s StreamSession, watermark string, log *slog.Logger) string {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Info("stream closed", slog.Any("error", err))
			}
			return watermark
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var set ActivitySet
		if err := json.Unmarshal(data, &set); err != nil {
			log.Warn("stream frame parse failed", slog.Any("error", err))
			continue
		}
		if set.Watermark != "" {
			watermark = set.Watermark
		}
		for _, turn := range set.Activities {
			if turn.Type != ActivityTypeMessage || turn.From.ID == s.UserID {
				continue
			}
			if turn.ChannelData == nil || strings.TrimSpace(turn.ChannelData.Subchannel) == "" {
				turn.ChannelData = &ChannelData{Subchannel: s.Subchannel, UserID: s.UserID}
			}
			if err := h.handler(ctx, turn); err != nil {
				log.Error("stream turn dispatch failed", slog.String("activity_id", turn.ID), slog.Any("error", err))
			}
		}
	}
}

func (h *Hub) wait(ctx context.Context) {
	t := time.NewTimer(h.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
