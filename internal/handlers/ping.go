package handlers

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/geffzhang/weyhdbot/internal/version"
)

// PingResponse is the liveness answer of the bridge process.
type PingResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// PingHandler serves liveness and build information. It never touches the
// platform or the relay; /health does that.
type PingHandler struct {
	started time.Time
	now     func() time.Time
	logger  *slog.Logger
}

func NewPingHandler(log *slog.Logger) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{
		started: time.Now(),
		now:     time.Now,
		logger:  log.With(slog.String("handler", "ping")),
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/ping", h.PingHead)
	e.GET("/version", h.Version)
}

// Ping godoc
// @Summary Liveness check
// @Description Report that the bridge process is up and for how long
// @Tags system
// @Success 200 {object} PingResponse
// @Router /ping [get]
func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, PingResponse{
		Status: "ok",
		Uptime: h.now().Sub(h.started).Truncate(time.Second).String(),
	})
}

// PingHead godoc
// @Summary Liveness check without body
// @Tags system
// @Success 200
// @Router /ping [head]
func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Version godoc
// @Summary Build information
// @Description Version, commit and build date stamped at link time
// @Tags system
// @Success 200 {object} VersionResponse
// @Router /version [get]
func (h *PingHandler) Version(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildDate: version.BuildDate,
		GoVersion: runtime.Version(),
	})
}
