// Package events publishes bridge lifecycle events to a message broker.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the bridge.
const (
	TypeSessionCreated  = "bridge.session.created"
	TypeMessageInbound  = "bridge.message.inbound"
	TypeMessageOutbound = "bridge.message.outbound"
)

// Producer names the emitting service in Meta.Producer.
const Producer = "weyhdbot"

type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
	// Event name, e.g. bridge.session.created
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope wraps data with a fresh id and the current time.
func NewEnvelope(eventType string, data any) Envelope {
	producer := Producer
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: &producer,
			Time:     time.Now().UTC(),
			Type:     eventType,
		},
		Data: data,
	}
}

// WithCorrelation returns a copy of e correlated to id. Empty ids are ignored.
func (e Envelope) WithCorrelation(id string) Envelope {
	if id != "" {
		e.Meta.CorrelationID = &id
	}
	return e
}

// SessionCreated is the payload of TypeSessionCreated.
type SessionCreated struct {
	RecordID       string `json:"record_id"`
	ChannelID      string `json:"channel_id"`
	Subchannel     string `json:"subchannel,omitempty"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// MessageRelayed is the payload of TypeMessageInbound and TypeMessageOutbound.
type MessageRelayed struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	MsgType        string `json:"msg_type"`
	Route          string `json:"route,omitempty"`
}
