// Package inbound routes decoded platform deliveries into relay sessions.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/geffzhang/weyhdbot/internal/channel"
	"github.com/geffzhang/weyhdbot/internal/directline"
	"github.com/geffzhang/weyhdbot/internal/events"
	"github.com/geffzhang/weyhdbot/internal/registry"
)

// Route is the kind of work a delivery triggers.
type Route string

const (
	RouteSubscribe   Route = "subscribe"
	RouteUnsubscribe Route = "unsubscribe"
	RouteText        Route = "text"
	RouteClick       Route = "click"
	RouteIgnore      Route = "ignore"
)

// Classify maps a decoded message to its route.
func Classify(msg channel.Message) Route {
	switch {
	case msg.IsEvent(channel.EventSubscribe):
		return RouteSubscribe
	case msg.IsEvent(channel.EventUnsubscribe):
		return RouteUnsubscribe
	case msg.IsEvent(channel.EventClick):
		return RouteClick
	case msg.Type == channel.MessageTypeText:
		return RouteText
	default:
		return RouteIgnore
	}
}

// SessionRegistry resolves the relay session of an external identity.
type SessionRegistry interface {
	GetOrCreate(ctx context.Context, id registry.Identity, factory registry.Factory) (registry.Record, error)
}

// Relay is the part of the conversation gateway the dispatcher drives.
type Relay interface {
	Start(ctx context.Context) (directline.Conversation, error)
	Join(ctx context.Context, conversationID, userID, subchannel string) error
	Post(ctx context.Context, conversationID, text, userID, subchannel string) error
}

// StreamHub keeps a reply listener per session.
type StreamHub interface {
	Ensure(s directline.StreamSession)
}

// Config names the relay identity and the welcome reply.
type Config struct {
	ChannelID      string
	Subchannel     string
	WelcomeMessage string
}

type routeHandler func(d *Dispatcher, ctx context.Context, msg channel.Message) error

var routes = map[Route]routeHandler{
	RouteSubscribe: (*Dispatcher).subscribe,
	RouteUnsubscribe: func(d *Dispatcher, _ context.Context, msg channel.Message) error {
		d.logger.Info("user unsubscribed", slog.String("user_id", msg.FromUser))
		return nil
	},
	RouteText: func(d *Dispatcher, ctx context.Context, msg channel.Message) error {
		return d.post(ctx, msg, RouteText, msg.Content)
	},
	RouteClick: func(d *Dispatcher, ctx context.Context, msg channel.Message) error {
		return d.post(ctx, msg, RouteClick, msg.EventKey)
	},
}

// Dispatcher processes queued deliveries for channel.Manager.
type Dispatcher struct {
	cfg       Config
	sessions  SessionRegistry
	relay     Relay
	sender    channel.ExternalSender
	streams   StreamHub
	publisher events.Publisher
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(log *slog.Logger, cfg Config, sessions SessionRegistry, relay Relay, sender channel.ExternalSender) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		relay:    relay,
		sender:   sender,
		logger:   log.With(slog.String("component", "inbound_dispatcher")),
	}
}

// SetStreamHub enables reply listeners for sessions the dispatcher touches.
func (d *Dispatcher) SetStreamHub(hub StreamHub) {
	d.streams = hub
}

// SetPublisher sets the event publisher.
func (d *Dispatcher) SetPublisher(pub events.Publisher) {
	d.publisher = pub
}

// ProcessInbound implements channel.InboundProcessor.
func (d *Dispatcher) ProcessInbound(ctx context.Context, in channel.InboundMessage) error {
	route := Classify(in.Message)
	handler, ok := routes[route]
	if !ok {
		d.logger.Debug("delivery ignored",
			slog.String("msg_type", string(in.Message.Type)),
			slog.String("event", in.Message.Event),
			slog.String("dedup_key", in.DedupKey),
		)
		return nil
	}
	return handler(d, ctx, in.Message)
}

func (d *Dispatcher) subscribe(ctx context.Context, msg channel.Message) error {
	rec, err := d.session(ctx, msg.FromUser)
	if err != nil {
		return err
	}
	d.emitInbound(ctx, msg, rec, RouteSubscribe)
	if strings.TrimSpace(d.cfg.WelcomeMessage) == "" || d.sender == nil {
		return nil
	}
	reply := msg.Reply()
	reply.Type = channel.MessageTypeText
	reply.Content = d.cfg.WelcomeMessage
	if err := d.sender.Send(ctx, reply); err != nil {
		return fmt.Errorf("send welcome: %w", err)
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, msg channel.Message, route Route, text string) error {
	if strings.TrimSpace(text) == "" {
		d.logger.Debug("inbound message has nothing to post",
			slog.String("from_user", msg.FromUser),
			slog.String("route", string(route)),
		)
		return nil
	}
	rec, err := d.session(ctx, msg.FromUser)
	if err != nil {
		return err
	}
	if err := d.relay.Post(ctx, rec.Data.ConversationID, text, msg.FromUser, d.cfg.Subchannel); err != nil {
		return fmt.Errorf("post to relay: %w", err)
	}
	d.emitInbound(ctx, msg, rec, route)
	return nil
}

func (d *Dispatcher) session(ctx context.Context, userID string) (registry.Record, error) {
	id := registry.Identity{UserID: userID, ChannelID: d.cfg.ChannelID, Subchannel: d.cfg.Subchannel}
	rec, err := d.sessions.GetOrCreate(ctx, id, d.openSession)
	if err != nil {
		return registry.Record{}, err
	}
	if d.streams != nil {
		d.streams.Ensure(directline.StreamSession{
			ConversationID: rec.Data.ConversationID,
			UserID:         rec.Data.UserID,
			Subchannel:     d.cfg.Subchannel,
		})
	}
	return rec, nil
}

// openSession starts a relay conversation and binds the user to it.
func (d *Dispatcher) openSession(ctx context.Context, id registry.Identity) (string, error) {
	conv, err := d.relay.Start(ctx)
	if err != nil {
		return "", err
	}
	if err := d.relay.Join(ctx, conv.ConversationID, id.UserID, id.Subchannel); err != nil {
		return "", err
	}
	return conv.ConversationID, nil
}

func (d *Dispatcher) emitInbound(ctx context.Context, msg channel.Message, rec registry.Record, route Route) {
	events.Emit(ctx, d.publisher, d.logger, events.TypeMessageInbound, events.MessageRelayed{
		UserID:         msg.FromUser,
		ConversationID: rec.Data.ConversationID,
		MsgType:        string(msg.Type),
		Route:          string(route),
	})
}
