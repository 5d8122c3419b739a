package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/geffzhang/weyhdbot/internal/directline"
	"github.com/geffzhang/weyhdbot/internal/events"
)

const defaultTextChunkLimit = 600

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound text is split before sending.
type OutboundPolicy struct {
	TextChunkLimit int     `json:"text_chunk_limit,omitempty"`
	Chunker        Chunker `json:"-"`
}

// NormalizeOutboundPolicy fills zero-value fields with sensible defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = defaultTextChunkLimit
	}
	if policy.Chunker == nil {
		policy.Chunker = ChunkText
	}
	return policy
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	var chunks []string
	var buf []string
	bufLen := 0
	flush := func() {
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n"))
			buf = buf[:0]
			bufLen = 0
		}
	}
	for _, line := range strings.Split(trimmed, "\n") {
		lineLen := runeLen(line)
		sep := 0
		if len(buf) > 0 {
			sep = 1
		}
		switch {
		case bufLen+sep+lineLen <= limit:
			buf = append(buf, line)
			bufLen += sep + lineLen
		case lineLen <= limit:
			flush()
			buf = append(buf, line)
			bufLen = lineLen
		default:
			flush()
			chunks = append(chunks, splitLongLine(line, limit)...)
		}
	}
	flush()
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

func splitLongLine(line string, limit int) []string {
	runes := []rune(line)
	var chunks []string
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		if segment := strings.TrimSpace(string(runes[start:end])); segment != "" {
			chunks = append(chunks, segment)
		}
	}
	return chunks
}

// TurnConverter maps a relay turn to a canonical message for toUser.
type TurnConverter func(turn directline.Activity, toUser string) Message

// ExternalSender delivers a canonical message to the external platform.
type ExternalSender interface {
	Send(ctx context.Context, msg Message) error
}

// TurnDeliverer receives turns after the dispatcher is done with them.
type TurnDeliverer interface {
	Dispatch(ctx context.Context, turn directline.Activity) error
}

// OutboundDispatcher forwards relay turns addressed to the external platform
// and hands every turn to the next deliverer.
type OutboundDispatcher struct {
	subchannel string
	convert    TurnConverter
	sender     ExternalSender
	next       TurnDeliverer
	policy     OutboundPolicy
	publisher  events.Publisher
	logger     *slog.Logger
}

// NewOutboundDispatcher creates a dispatcher for turns tagged with subchannel.
// next may be nil.
func NewOutboundDispatcher(log *slog.Logger, subchannel string, convert TurnConverter, sender ExternalSender, next TurnDeliverer, policy OutboundPolicy) *OutboundDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &OutboundDispatcher{
		subchannel: strings.TrimSpace(subchannel),
		convert:    convert,
		sender:     sender,
		next:       next,
		policy:     NormalizeOutboundPolicy(policy),
		logger:     log.With(slog.String("component", "outbound")),
	}
}

// SetPublisher enables outbound message events.
func (d *OutboundDispatcher) SetPublisher(pub events.Publisher) {
	d.publisher = pub
}

// Dispatch sends turn to the external platform when it is a message whose
// channel data names this dispatcher's subchannel, then hands it to the next
// deliverer. Typing, event and other non-message turns are never sent.
func (d *OutboundDispatcher) Dispatch(ctx context.Context, turn directline.Activity) error {
	if d.matches(turn) {
		if err := d.send(ctx, turn); err != nil {
			return err
		}
	}
	if d.next != nil {
		return d.next.Dispatch(ctx, turn)
	}
	return nil
}

func (d *OutboundDispatcher) matches(turn directline.Activity) bool {
	return d.subchannel != "" &&
		strings.EqualFold(strings.TrimSpace(turn.Type), directline.ActivityTypeMessage) &&
		strings.EqualFold(strings.TrimSpace(turn.Subchannel()), d.subchannel)
}

func (d *OutboundDispatcher) send(ctx context.Context, turn directline.Activity) error {
	if d.convert == nil || d.sender == nil {
		return errors.New("outbound dispatcher not configured")
	}
	userID := strings.TrimSpace(turn.UserID())
	if userID == "" {
		return fmt.Errorf("turn %s: %w", turn.ID, directline.ErrUserRequired)
	}
	msg := d.convert(turn, userID)
	if !msg.Type.IsKnown() || msg.IsEmpty() {
		d.logger.Debug("turn has nothing to send",
			slog.String("activity_id", turn.ID),
			slog.String("msg_type", string(msg.Type)),
		)
		return nil
	}
	for _, part := range d.split(msg) {
		if err := d.sender.Send(ctx, part); err != nil {
			d.logger.Error("outbound send failed",
				slog.String("activity_id", turn.ID),
				slog.String("to_user", userID),
				slog.String("msg_type", string(part.Type)),
				slog.Any("error", err),
			)
			return err
		}
	}
	events.Emit(ctx, d.publisher, d.logger, events.TypeMessageOutbound, events.MessageRelayed{
		UserID:  userID,
		MsgType: string(msg.Type),
	})
	return nil
}

// split breaks long text messages into several sends. Other types go out whole.
func (d *OutboundDispatcher) split(msg Message) []Message {
	if msg.Type != MessageTypeText {
		return []Message{msg}
	}
	chunks := d.policy.Chunker(msg.Content, d.policy.TextChunkLimit)
	if len(chunks) <= 1 {
		return []Message{msg}
	}
	out := make([]Message, 0, len(chunks))
	for _, chunk := range chunks {
		part := msg
		part.Content = chunk
		out = append(out, part)
	}
	return out
}
