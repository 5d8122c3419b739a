package channel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/geffzhang/weyhdbot/internal/directline"
)

type recordingSender struct {
	sent []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.sent = append(s.sent, msg)
	return s.err
}

type recordingDeliverer struct {
	turns []directline.Activity
}

func (d *recordingDeliverer) Dispatch(_ context.Context, turn directline.Activity) error {
	d.turns = append(d.turns, turn)
	return nil
}

func textConverter(turn directline.Activity, toUser string) Message {
	return Message{ToUser: toUser, Type: MessageTypeText, Content: turn.Text}
}

func wechatTurn(text string) directline.Activity {
	return directline.Activity{
		Type:        directline.ActivityTypeMessage,
		ID:          "act-1",
		From:        directline.ChannelAccount{ID: "bot"},
		Text:        text,
		ChannelData: &directline.ChannelData{Subchannel: "WeChat", UserID: "openid-1"},
	}
}

func TestOutboundDispatchSendsMatchingSubchannel(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	next := &recordingDeliverer{}
	d := NewOutboundDispatcher(nil, "wechat", textConverter, sender, next, OutboundPolicy{})

	if err := d.Dispatch(context.Background(), wechatTurn("hi")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].ToUser != "openid-1" || sender.sent[0].Content != "hi" {
		t.Fatalf("unexpected sends: %#v", sender.sent)
	}
	if len(next.turns) != 1 {
		t.Fatalf("expected turn to reach next deliverer, got %d", len(next.turns))
	}
}

func TestOutboundDispatchSkipsOtherSubchannels(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	next := &recordingDeliverer{}
	d := NewOutboundDispatcher(nil, "wechat", textConverter, sender, next, OutboundPolicy{})

	turn := wechatTurn("hi")
	turn.ChannelData.Subchannel = "webchat"
	if err := d.Dispatch(context.Background(), turn); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	turn.ChannelData = nil
	if err := d.Dispatch(context.Background(), turn); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends, got %#v", sender.sent)
	}
	if len(next.turns) != 2 {
		t.Fatalf("expected both turns to reach next deliverer, got %d", len(next.turns))
	}
}

func TestOutboundDispatchSkipsNonMessageTurns(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	next := &recordingDeliverer{}
	d := NewOutboundDispatcher(nil, "wechat", textConverter, sender, next, OutboundPolicy{})

	for _, typ := range []string{"typing", "event", "endOfConversation", directline.ActivityTypeConversationUpdate} {
		turn := wechatTurn("")
		turn.Type = typ
		if err := d.Dispatch(context.Background(), turn); err != nil {
			t.Fatalf("%s: expected no error, got %v", typ, err)
		}
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends, got %#v", sender.sent)
	}
	if len(next.turns) != 4 {
		t.Fatalf("expected every turn to reach next deliverer, got %d", len(next.turns))
	}
}

func TestOutboundDispatchSkipsEmptyMessages(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	next := &recordingDeliverer{}
	d := NewOutboundDispatcher(nil, "wechat", textConverter, sender, next, OutboundPolicy{})

	if err := d.Dispatch(context.Background(), wechatTurn("  ")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unknown := func(directline.Activity, string) Message {
		return Message{ToUser: "openid-1", Type: "location"}
	}
	d = NewOutboundDispatcher(nil, "wechat", unknown, sender, next, OutboundPolicy{})
	if err := d.Dispatch(context.Background(), wechatTurn("hi")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends, got %#v", sender.sent)
	}
	if len(next.turns) != 2 {
		t.Fatalf("expected skipped turns to reach next deliverer, got %d", len(next.turns))
	}
}

func TestOutboundDispatchReturnsSendError(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{err: errors.New("platform down")}
	next := &recordingDeliverer{}
	d := NewOutboundDispatcher(nil, "wechat", textConverter, sender, next, OutboundPolicy{})

	if err := d.Dispatch(context.Background(), wechatTurn("hi")); err == nil {
		t.Fatal("expected send error")
	}
	if len(next.turns) != 0 {
		t.Fatal("expected failed turn not to reach next deliverer")
	}
}

func TestOutboundDispatchRequiresUser(t *testing.T) {
	t.Parallel()

	d := NewOutboundDispatcher(nil, "wechat", textConverter, &recordingSender{}, nil, OutboundPolicy{})
	turn := wechatTurn("hi")
	turn.ChannelData.UserID = ""
	if err := d.Dispatch(context.Background(), turn); !errors.Is(err, directline.ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
}

func TestOutboundDispatchChunksLongText(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	d := NewOutboundDispatcher(nil, "wechat", textConverter, sender, nil, OutboundPolicy{TextChunkLimit: 5})

	if err := d.Dispatch(context.Background(), wechatTurn("abc\ndefgh\nij")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var got []string
	for _, msg := range sender.sent {
		got = append(got, msg.Content)
	}
	if strings.Join(got, "|") != "abc|defgh|ij" {
		t.Fatalf("unexpected chunks: %#v", got)
	}
}

func TestChunkText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "empty", text: "  ", limit: 10, want: nil},
		{name: "fits", text: "hello", limit: 10, want: []string{"hello"}},
		{name: "no limit", text: "hello world", limit: 0, want: []string{"hello world"}},
		{name: "lines", text: "aa\nbb\ncc", limit: 5, want: []string{"aa\nbb", "cc"}},
		{name: "long line", text: "abcdefg", limit: 3, want: []string{"abc", "def", "g"}},
		{name: "runes", text: "你好世界", limit: 2, want: []string{"你好", "世界"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ChunkText(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Fatalf("ChunkText(%q, %d) = %#v, want %#v", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}
