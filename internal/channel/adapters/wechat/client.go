package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	"github.com/geffzhang/weyhdbot/internal/channel"
)

const (
	maxResponseBytes = 1 << 20
	maxMediaBytes    = 10 << 20
)

type tokenProvider interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// ClientConfig configures a Client.
type ClientConfig struct {
	CustomerEndpoint    string
	MediaUploadEndpoint string
	MenuUploadEndpoint  string
	UpdateMenuOnRun     bool
	DefaultMenu         string
	Timeout             time.Duration
	SendRatePerSecond   float64
}

// Client calls the platform's customer-service, media and menu endpoints.
type Client struct {
	cfg     ClientConfig
	tokens  tokenProvider
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Client authenticating with tokens.
func NewClient(log *slog.Logger, cfg ClientConfig, tokens tokenProvider) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var limiter *rate.Limiter
	if cfg.SendRatePerSecond > 0 {
		burst := int(cfg.SendRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), burst)
	}
	return &Client{
		cfg:     cfg,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  log.With(slog.String("adapter", "wechat")),
	}
}

// Send delivers msg through the customer-service endpoint. An image whose
// MediaID is a URL is downloaded and uploaded first. The call is attempted
// once; any failure is returned.
func (c *Client) Send(ctx context.Context, msg channel.Message) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &APIError{Op: "send", Err: err}
		}
	}
	if msg.Type == channel.MessageTypeImage && strings.Contains(msg.MediaID, "http") {
		mediaID, err := c.uploadRemote(ctx, msg.MediaID)
		if err != nil {
			return err
		}
		msg.MediaID = mediaID
	}
	out := msg
	out.FromUser, out.CreatedAt, out.MsgID = "", 0, ""
	body, err := Encode(out)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "send", c.cfg.CustomerEndpoint, body)
}

// UploadMedia uploads data as temporary media and returns its media id.
// Failures are logged and reported as an empty id.
func (c *Client) UploadMedia(ctx context.Context, mediaType, filename, mimeType string, data []byte) string {
	log := c.logger.With(slog.String("media_type", mediaType), slog.String("filename", filename))
	token, err := c.tokens.Get(ctx)
	if err != nil {
		log.Error("media upload: access token unavailable", slog.Any("error", err))
		return ""
	}
	u, err := withQuery(c.cfg.MediaUploadEndpoint, url.Values{"access_token": {token}, "type": {mediaType}})
	if err != nil {
		log.Error("media upload: bad endpoint", slog.Any("error", err))
		return ""
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename=%q`, filename))
	if mimeType != "" {
		header.Set("Content-Type", mimeType)
	}
	part, err := w.CreatePart(header)
	if err == nil {
		_, err = part.Write(data)
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		log.Error("media upload: build form failed", slog.Any("error", err))
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		log.Error("media upload: build request failed", slog.Any("error", err))
		return ""
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+w.Boundary())

	status, respBody, err := c.do(req)
	if err != nil {
		log.Error("media upload failed", slog.Any("error", err))
		return ""
	}
	if status < 200 || status >= 300 {
		log.Error("media upload failed", slog.Int("status", status), slog.String("body_prefix", truncate(string(respBody), 300)))
		return ""
	}
	var parsed MediaUploadResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		log.Error("media upload: parse response failed", slog.Any("error", err))
		return ""
	}
	if parsed.ErrCode != 0 || parsed.MediaID == "" {
		log.Error("media upload rejected", slog.Int("errcode", parsed.ErrCode), slog.String("errmsg", parsed.ErrMsg))
		if parsed.ErrCode == errCodeInvalidToken || parsed.ErrCode == errCodeTokenExpired {
			c.tokens.Invalidate()
		}
		return ""
	}
	return parsed.MediaID
}

// UploadMenu replaces the account's custom menu.
func (c *Client) UploadMenu(ctx context.Context, menu Menu) error {
	body, err := json.Marshal(menu)
	if err != nil {
		return &APIError{Op: "menu", Err: err}
	}
	return c.postJSON(ctx, "menu", c.cfg.MenuUploadEndpoint, body)
}

// UpdateDefaultMenuIfConfigured uploads the configured menu file when menu
// updates on start are enabled. Problems are logged, never returned.
func (c *Client) UpdateDefaultMenuIfConfigured(ctx context.Context) {
	if !c.cfg.UpdateMenuOnRun {
		return
	}
	if strings.TrimSpace(c.cfg.DefaultMenu) == "" {
		c.logger.Warn("menu update enabled but no default menu configured")
		return
	}
	menu, err := LoadMenu(c.cfg.DefaultMenu)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("default menu file not found", slog.String("path", c.cfg.DefaultMenu))
			return
		}
		c.logger.Error("default menu unreadable", slog.String("path", c.cfg.DefaultMenu), slog.Any("error", err))
		return
	}
	if err := c.UploadMenu(ctx, menu); err != nil {
		c.logger.Error("default menu upload failed", slog.Any("error", err))
		return
	}
	c.logger.Info("default menu uploaded", slog.Int("buttons", len(menu.Buttons)))
}

// uploadRemote downloads an image and uploads it as temporary media.
func (c *Client) uploadRemote(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &APIError{Op: "download media", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &APIError{Op: "download media", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{Op: "download media", StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return "", &APIError{Op: "download media", Err: err}
	}

	filename := "image"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			filename = base
		}
	}
	mimeType := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = parsed
		}
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}

	mediaID := c.UploadMedia(ctx, string(channel.MessageTypeImage), filename, mimeType, data)
	if mediaID == "" {
		return "", &APIError{Op: "upload media", Err: errors.New("platform returned no media id")}
	}
	return mediaID, nil
}

// postJSON posts body to endpoint with the access token and checks the
// platform's errcode envelope.
func (c *Client) postJSON(ctx context.Context, op, endpoint string, body []byte) error {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return &APIError{Op: op, Err: fmt.Errorf("access token: %w", err)}
	}
	u, err := withQuery(endpoint, url.Values{"access_token": {token}})
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	status, respBody, err := c.do(req)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	if status < 200 || status >= 300 {
		c.logger.Error("platform error", slog.String("op", op), slog.Int("status", status), slog.String("body_prefix", truncate(string(respBody), 300)))
		return &APIError{Op: op, StatusCode: status}
	}
	var parsed GenericResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return &APIError{Op: op, StatusCode: status, Err: fmt.Errorf("parse response: %w", err)}
		}
	}
	if parsed.ErrCode != 0 {
		apiErr := &APIError{Op: op, StatusCode: status, ErrCode: parsed.ErrCode, ErrMsg: parsed.ErrMsg}
		if apiErr.TokenRejected() {
			c.tokens.Invalidate()
		}
		return apiErr
	}
	return nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func withQuery(endpoint string, values url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
