// Package directline talks to a Bot Framework Direct Line style relay: it
// starts conversations, binds external users to them, posts turns and keeps
// the relay credential fresh.
package directline

import (
	"encoding/json"
	"strings"
)

const (
	ActivityTypeMessage            = "message"
	ActivityTypeConversationUpdate = "conversationUpdate"

	ContentTypeHeroCard = "application/vnd.microsoft.card.hero"
)

// ChannelAccount identifies a participant of a conversation.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConversationAccount identifies the conversation an activity belongs to.
type ConversationAccount struct {
	ID string `json:"id"`
}

// ChannelData carries the external identity of the end user on every turn.
type ChannelData struct {
	Subchannel string `json:"subchannel_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// Attachment is a media or card attachment of an activity.
type Attachment struct {
	ContentType string          `json:"contentType"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Name        string          `json:"name,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// IsHeroCard reports whether the attachment holds a hero card.
func (a Attachment) IsHeroCard() bool {
	return strings.EqualFold(strings.TrimSpace(a.ContentType), ContentTypeHeroCard)
}

// HeroCard decodes the attachment content as a hero card.
func (a Attachment) HeroCard() (HeroCard, bool) {
	if !a.IsHeroCard() || len(a.Content) == 0 {
		return HeroCard{}, false
	}
	var card HeroCard
	if err := json.Unmarshal(a.Content, &card); err != nil {
		return HeroCard{}, false
	}
	return card, true
}

// HeroCard is the rich card payload bots use for article-like replies.
type HeroCard struct {
	Title    string       `json:"title,omitempty"`
	Subtitle string       `json:"subtitle,omitempty"`
	Text     string       `json:"text,omitempty"`
	Images   []CardImage  `json:"images,omitempty"`
	Buttons  []CardAction `json:"buttons,omitempty"`
}

type CardImage struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

type CardAction struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Activity is a relay turn.
type Activity struct {
	Type         string               `json:"type"`
	ID           string               `json:"id,omitempty"`
	Timestamp    string               `json:"timestamp,omitempty"`
	From         ChannelAccount       `json:"from"`
	Recipient    *ChannelAccount      `json:"recipient,omitempty"`
	Conversation *ConversationAccount `json:"conversation,omitempty"`
	Text         string               `json:"text,omitempty"`
	Attachments  []Attachment         `json:"attachments,omitempty"`
	ChannelData  *ChannelData         `json:"channelData,omitempty"`
	ReplyToID    string               `json:"replyToId,omitempty"`
}

// Subchannel returns the subchannel tag carried in channel data.
func (a Activity) Subchannel() string {
	if a.ChannelData == nil {
		return ""
	}
	return strings.TrimSpace(a.ChannelData.Subchannel)
}

// UserID returns the external user the turn is addressed to: channel data
// first, then the recipient.
func (a Activity) UserID() string {
	if a.ChannelData != nil && strings.TrimSpace(a.ChannelData.UserID) != "" {
		return strings.TrimSpace(a.ChannelData.UserID)
	}
	if a.Recipient != nil {
		return strings.TrimSpace(a.Recipient.ID)
	}
	return ""
}

// Conversation is returned when a conversation is started or a token is
// generated, refreshed or reconnected.
type Conversation struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	StreamURL      string `json:"streamUrl,omitempty"`
}

// ActivitySet is one frame of the reply stream.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark,omitempty"`
}

type resourceResponse struct {
	ID string `json:"id"`
}
