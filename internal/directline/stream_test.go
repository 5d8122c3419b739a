package directline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeReconnector struct {
	mu         sync.Mutex
	streamURL  string
	watermarks []string
}

func (f *fakeReconnector) Reconnect(_ context.Context, _ string, watermark string) (Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks = append(f.watermarks, watermark)
	return Conversation{StreamURL: f.streamURL}, nil
}

func newStreamServer(t *testing.T, frames []string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// hold the socket open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHubDeliversBotTurns(t *testing.T) {
	t.Parallel()

	url := newStreamServer(t, []string{
		"",
		`{"activities":[{"type":"message","id":"1","from":{"id":"openid-1"},"text":"echo"}],"watermark":"1"}`,
		`{"activities":[{"type":"typing","id":"2","from":{"id":"bot"}},{"type":"message","id":"3","from":{"id":"bot"},"text":"hi"}],"watermark":"3"}`,
	})

	got := make(chan Activity, 4)
	hub := NewHub(nil, nil, func(_ context.Context, turn Activity) error {
		got <- turn
		return nil
	})
	t.Cleanup(func() { _ = hub.Stop(context.Background()) })

	hub.Ensure(StreamSession{ConversationID: "conv-1", UserID: "openid-1", Subchannel: "wechat", StreamURL: url})
	hub.Ensure(StreamSession{ConversationID: "conv-1", UserID: "openid-1", Subchannel: "wechat", StreamURL: url})
	if n := hub.Active(); n != 1 {
		t.Fatalf("expected one listener, got %d", n)
	}

	select {
	case turn := <-got:
		if turn.ID != "3" || turn.Text != "hi" {
			t.Fatalf("unexpected turn: %#v", turn)
		}
		if turn.ChannelData == nil || turn.ChannelData.Subchannel != "wechat" || turn.ChannelData.UserID != "openid-1" {
			t.Fatalf("expected session channel data, got %#v", turn.ChannelData)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bot turn")
	}
	select {
	case turn := <-got:
		t.Fatalf("unexpected extra turn: %#v", turn)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubReconnectsWithoutStreamURL(t *testing.T) {
	t.Parallel()

	url := newStreamServer(t, []string{
		`{"activities":[{"type":"message","id":"9","from":{"id":"bot"},"text":"late","channelData":{"subchannel_id":"other","user_id":"x"}}],"watermark":"9"}`,
	})
	gw := &fakeReconnector{streamURL: url}

	got := make(chan Activity, 1)
	hub := NewHub(nil, gw, func(_ context.Context, turn Activity) error {
		got <- turn
		return nil
	})
	t.Cleanup(func() { _ = hub.Stop(context.Background()) })

	hub.Ensure(StreamSession{ConversationID: "conv-2", UserID: "openid-2", Subchannel: "wechat"})

	select {
	case turn := <-got:
		if turn.ChannelData.Subchannel != "other" {
			t.Fatalf("expected existing channel data to be kept, got %#v", turn.ChannelData)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bot turn")
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.watermarks) == 0 || gw.watermarks[0] != "" {
		t.Fatalf("expected initial reconnect without watermark, got %#v", gw.watermarks)
	}
}

func TestHubStopEndsListeners(t *testing.T) {
	t.Parallel()

	url := newStreamServer(t, nil)
	hub := NewHub(nil, nil, func(context.Context, Activity) error { return nil })
	hub.Ensure(StreamSession{ConversationID: "conv-3", UserID: "u", StreamURL: url})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.Stop(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if n := hub.Active(); n != 0 {
		t.Fatalf("expected no listeners after stop, got %d", n)
	}
	hub.Ensure(StreamSession{ConversationID: "conv-4", UserID: "u", StreamURL: url})
	if n := hub.Active(); n != 0 {
		t.Fatalf("expected Ensure after stop to be ignored, got %d", n)
	}
}
