// Package channel provides the canonical message model shared by the WeChat
// adapter, the inbound router and the outbound dispatcher, together with the
// inbound worker pool that decouples webhook acks from relay work.
package channel

import (
	"strconv"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "wechat").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// MessageType is the closed set of canonical message kinds.
type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeImage     MessageType = "image"
	MessageTypeVoice     MessageType = "voice"
	MessageTypeRichMedia MessageType = "news"
	MessageTypeEvent     MessageType = "event"
)

// ParseMessageType normalizes a wire discriminator. Unknown values are kept
// lowercased so callers can log them; IsKnown reports whether they are usable.
func ParseMessageType(raw string) MessageType {
	return MessageType(strings.ToLower(strings.TrimSpace(raw)))
}

// IsKnown reports whether t belongs to the canonical type set.
func (t MessageType) IsKnown() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVoice, MessageTypeRichMedia, MessageTypeEvent:
		return true
	}
	return false
}

// Event names carried by MessageTypeEvent messages.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventClick       = "CLICK"
)

// Article is one entry of a rich-media (news) message.
type Article struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PicURL      string `json:"picurl"`
}

// Message is the canonical chat message. Exactly one of Content, MediaID or
// Articles is populated, selected by Type; event messages carry Event and
// EventKey instead.
type Message struct {
	FromUser  string
	ToUser    string
	Type      MessageType
	Content   string
	MediaID   string
	Articles  []Article
	CreatedAt int64
	MsgID     string
	Event     string
	EventKey  string
}

// IsEmpty reports whether the message carries no payload for its type.
func (m Message) IsEmpty() bool {
	switch m.Type {
	case MessageTypeText:
		return strings.TrimSpace(m.Content) == ""
	case MessageTypeImage, MessageTypeVoice:
		return strings.TrimSpace(m.MediaID) == ""
	case MessageTypeRichMedia:
		return len(m.Articles) == 0
	case MessageTypeEvent:
		return strings.TrimSpace(m.Event) == ""
	default:
		return true
	}
}

// IsEvent reports whether m is an event with the given name (case-insensitive).
func (m Message) IsEvent(name string) bool {
	return m.Type == MessageTypeEvent && strings.EqualFold(strings.TrimSpace(m.Event), name)
}

// Reply returns an empty message addressed back to the sender of m.
func (m Message) Reply() Message {
	return Message{
		FromUser:  m.ToUser,
		ToUser:    m.FromUser,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}

// DedupKey identifies a delivery for redelivery suppression.
// Format: from_user|create_time[|msg_id].
func (m Message) DedupKey() string {
	parts := []string{strings.TrimSpace(m.FromUser), strconv.FormatInt(m.CreatedAt, 10)}
	if id := strings.TrimSpace(m.MsgID); id != "" {
		parts = append(parts, id)
	}
	return strings.Join(parts, "|")
}

// InboundMessage is a decoded delivery queued for background processing.
type InboundMessage struct {
	Channel    ChannelType
	Message    Message
	DedupKey   string
	ReceivedAt time.Time
}
