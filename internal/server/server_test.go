package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/geffzhang/weyhdbot/internal/auth"
)

func TestShouldSkipJWT_BridgePaths(t *testing.T) {
	t.Parallel()

	public := append(append([]string(nil), defaultPublicPaths...), "/wechat")
	cases := []struct {
		path string
		want bool
	}{
		{path: "/wechat", want: true},
		{path: "/wechat/", want: true},
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/wechat/outgoingmessage", want: false},
		{path: "/wechat/activities", want: false},
		{path: "/", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path, public)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type routeHandler struct{}

func (routeHandler) Register(e *echo.Echo) {
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.POST("/wechat", ok)
	e.POST("/wechat/outgoingmessage", ok)
}

func TestServerProtectsBridgingEndpoints(t *testing.T) {
	t.Parallel()

	srv := New(nil, Config{JWTSecret: "secret", PublicPaths: []string{"/wechat"}}, routeHandler{}, nil)

	do := func(path, token string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("/wechat", ""); code != http.StatusOK {
		t.Fatalf("webhook must be public, got %d", code)
	}
	if code := do("/wechat/outgoingmessage", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	token, _, err := auth.GenerateToken("ops", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if code := do("/wechat/outgoingmessage", token); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}
}

func TestServerWithoutSecretIsOpen(t *testing.T) {
	t.Parallel()

	srv := New(nil, Config{}, routeHandler{})
	req := httptest.NewRequest(http.MethodPost, "/wechat/outgoingmessage", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
