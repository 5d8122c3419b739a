package wechat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/geffzhang/weyhdbot/internal/auth"
	"github.com/geffzhang/weyhdbot/internal/channel"
	"github.com/geffzhang/weyhdbot/internal/directline"
)

const (
	webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB
	ackBody                   = "success"
	sendFailedMessage         = "could not post message to wechat customer service"
)

type inboundQueue interface {
	HandleInbound(ctx context.Context, msg channel.InboundMessage) error
}

type deliveryDeduper interface {
	Seen(key string) bool
	Pending(key string) bool
}

// WebhookConfig configures the webhook routes.
type WebhookConfig struct {
	Path  string
	Token string
}

// WebhookHandler is the platform edge: the callback handshake, push
// deliveries, the outgoing-message endpoint and the bot reply endpoint.
type WebhookHandler struct {
	path     string
	token    string
	dedup    deliveryDeduper
	manager  inboundQueue
	sender   channel.ExternalSender
	outbound channel.TurnDeliverer
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

// NewWebhookHandler creates the handler. Deliveries are acknowledged once
// they are verified, deduplicated and queued on manager.
func NewWebhookHandler(log *slog.Logger, cfg WebhookConfig, dedup deliveryDeduper, manager inboundQueue, sender channel.ExternalSender, outbound channel.TurnDeliverer) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	path := strings.TrimRight(strings.TrimSpace(cfg.Path), "/")
	if path == "" {
		path = "/wechat"
	}
	return &WebhookHandler{
		path:     path,
		token:    cfg.Token,
		dedup:    dedup,
		manager:  manager,
		sender:   sender,
		outbound: outbound,
		validate: validator.New(),
		now:      time.Now,
		logger:   log.With(slog.String("handler", "wechat_webhook")),
	}
}

// Path returns the public webhook route.
func (h *WebhookHandler) Path() string {
	return h.path
}

// Register registers the webhook routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET(h.path, h.HandleHandshake)
	e.POST(h.path, h.HandleDelivery)
	e.POST(h.path+"/outgoingmessage", h.HandleOutgoing)
	e.POST(h.path+"/activities", h.HandleActivity)
}

// HandleHandshake godoc
// @Summary WeChat callback URL verification
// @Description Echo echostr back when the signature over token, timestamp and nonce matches
// @Tags wechat
// @Param signature query string true "SHA-1 signature"
// @Param timestamp query string true "Timestamp"
// @Param nonce query string true "Nonce"
// @Param echostr query string true "Challenge string"
// @Produce plain
// @Success 200 {string} string "echostr, or empty on signature mismatch"
// @Failure 400 {object} echo.HTTPError
// @Router /wechat [get]
func (h *WebhookHandler) HandleHandshake(c echo.Context) error {
	signature := c.QueryParam("signature")
	timestamp := c.QueryParam("timestamp")
	nonce := c.QueryParam("nonce")
	echostr := c.QueryParam("echostr")
	if signature == "" || timestamp == "" || nonce == "" || echostr == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "signature, timestamp, nonce and echostr are required")
	}
	if !VerifySignature(signature, timestamp, nonce, h.token) {
		h.logger.Warn("handshake signature mismatch", slog.String("remote_ip", c.RealIP()))
		return c.NoContent(http.StatusOK)
	}
	return c.String(http.StatusOK, echostr)
}

// HandleDelivery godoc
// @Summary Receive a WeChat push delivery
// @Description Verify, deduplicate and queue a user message or event. Always answers 200 so the platform does not retry deliveries it cannot use.
// @Tags wechat
// @Accept xml
// @Produce plain
// @Param signature query string true "SHA-1 signature"
// @Param timestamp query string true "Timestamp"
// @Param nonce query string true "Nonce"
// @Success 200 {string} string "success"
// @Router /wechat [post]
func (h *WebhookHandler) HandleDelivery(c echo.Context) error {
	if !VerifySignature(c.QueryParam("signature"), c.QueryParam("timestamp"), c.QueryParam("nonce"), h.token) {
		h.logger.Warn("delivery signature mismatch", slog.String("remote_ip", c.RealIP()))
		return c.NoContent(http.StatusOK)
	}
	payload, ok, err := readBody(c)
	if err != nil || !ok {
		h.logger.Warn("delivery body rejected", slog.Bool("too_large", !ok), slog.Any("error", err))
		return c.NoContent(http.StatusOK)
	}

	msg := Decode(payload)
	if strings.TrimSpace(msg.FromUser) == "" {
		h.logger.Warn("delivery without sender dropped", slog.String("msg_type", string(msg.Type)))
		return c.String(http.StatusOK, ackBody)
	}
	key := msg.DedupKey()
	if h.dedup != nil && h.dedup.Seen(key) {
		if h.dedup.Pending(key) {
			h.logger.Info("redelivery dropped, first delivery still in progress", slog.String("dedup_key", key))
		} else {
			h.logger.Debug("duplicate delivery dropped", slog.String("dedup_key", key))
		}
		return c.String(http.StatusOK, ackBody)
	}
	if h.manager == nil {
		h.logger.Error("inbound manager not configured")
		return c.String(http.StatusOK, ackBody)
	}
	err = h.manager.HandleInbound(context.WithoutCancel(c.Request().Context()), channel.InboundMessage{
		Channel:    Type,
		Message:    msg,
		DedupKey:   key,
		ReceivedAt: h.now(),
	})
	if err != nil {
		h.logger.Warn("delivery not queued", slog.String("dedup_key", key), slog.Any("error", err))
	}
	return c.String(http.StatusOK, ackBody)
}

type outgoingRequest struct {
	ToUser  string `validate:"required"`
	MsgType string `validate:"required,oneof=text image voice news"`
}

// HandleOutgoing godoc
// @Summary Send a customer-service message
// @Description Send a canonical message posted by an internal caller to a WeChat user
// @Tags wechat
// @Accept json
// @Produce plain
// @Param payload body object true "Customer-service message (touser, msgtype and the typed body)"
// @Success 200 {string} string "success"
// @Failure 400 {object} echo.HTTPError
// @Failure 413 {object} echo.HTTPError
// @Failure 500 {object} echo.HTTPError
// @Router /wechat/outgoingmessage [post]
func (h *WebhookHandler) HandleOutgoing(c echo.Context) error {
	payload, ok, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "message body is required")
	}
	msg, err := Parse(payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message: "+err.Error())
	}
	if err := h.validate.Struct(outgoingRequest{ToUser: msg.ToUser, MsgType: string(msg.Type)}); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.sender == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, sendFailedMessage)
	}
	caller, _ := auth.SubjectFromContext(c)
	if err := h.sender.Send(c.Request().Context(), msg); err != nil {
		h.logger.Error("outgoing message failed",
			slog.String("caller", caller),
			slog.String("to_user", msg.ToUser),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, sendFailedMessage)
	}
	h.logger.Info("outgoing message sent",
		slog.String("caller", caller),
		slog.String("to_user", msg.ToUser),
		slog.String("msg_type", string(msg.Type)),
	)
	return c.String(http.StatusOK, ackBody)
}

// HandleActivity godoc
// @Summary Deliver a bot reply turn
// @Description Dispatch a Direct Line activity to the WeChat user named in its channel data. Non-message turns are accepted and not sent.
// @Tags wechat
// @Accept json
// @Produce plain
// @Param payload body directline.Activity true "Bot activity"
// @Success 200 {string} string "success"
// @Failure 400 {object} echo.HTTPError
// @Failure 500 {object} echo.HTTPError
// @Router /wechat/activities [post]
func (h *WebhookHandler) HandleActivity(c echo.Context) error {
	payload, ok, err := readBody(c)
	if err != nil || !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid activity body")
	}
	var turn directline.Activity
	if err := json.Unmarshal(payload, &turn); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid activity: "+err.Error())
	}
	if h.outbound == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "outbound dispatcher not configured")
	}
	if err := h.outbound.Dispatch(c.Request().Context(), turn); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, sendFailedMessage)
	}
	return c.String(http.StatusOK, ackBody)
}

// readBody reads at most webhookMaxBodyBytes. ok is false when the body is larger.
func readBody(c echo.Context) ([]byte, bool, error) {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return nil, false, nil
	}
	return payload, true, nil
}
