package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/geffzhang/weyhdbot/internal/auth"
)

// Handler registers its routes on the echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

// Config configures the HTTP server.
type Config struct {
	Addr      string
	JWTSecret string
	// PublicPaths are served without a token in addition to /ping, /health and /version.
	PublicPaths []string
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

var defaultPublicPaths = []string{"/ping", "/health", "/version"}

func New(log *slog.Logger, cfg Config, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		public := append(append([]string(nil), defaultPublicPaths...), cfg.PublicPaths...)
		e.Use(auth.JWTMiddleware(cfg.JWTSecret, func(c echo.Context) bool {
			return shouldSkipJWT(c.Request().URL.Path, public)
		}))
	} else {
		log.Warn("jwt secret not configured, bridging endpoints are unauthenticated")
	}
	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}
	return &Server{
		echo:   e,
		addr:   addr,
		logger: log.With(slog.String("component", "server")),
	}
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// shouldSkipJWT reports whether path is public. Matching is exact so that
// sub-routes of a public path still require a token.
func shouldSkipJWT(path string, public []string) bool {
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}
	for _, p := range public {
		if path == strings.TrimRight(p, "/") {
			return true
		}
	}
	return false
}
