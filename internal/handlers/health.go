package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/geffzhang/weyhdbot/internal/healthcheck"
)

type HealthResponse struct {
	Status string                    `json:"status"`
	Checks []healthcheck.CheckResult `json:"checks"`
}

// HealthHandler reports the state of the bridge's dependencies.
type HealthHandler struct {
	checker healthcheck.Checker
	logger  *slog.Logger
}

func NewHealthHandler(log *slog.Logger, checker healthcheck.Checker) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{checker: checker, logger: log.With(slog.String("handler", "health"))}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.HEAD("/health", h.HealthHead)
}

// Health godoc
// @Summary Dependency health
// @Description Run the registry, credential and broker checks. Answers 503 when a required check fails.
// @Tags system
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c echo.Context) error {
	resp := HealthResponse{Status: healthcheck.StatusOK, Checks: []healthcheck.CheckResult{}}
	if h.checker != nil {
		resp.Checks = h.checker.ListChecks(c.Request().Context())
		resp.Status = healthcheck.Overall(resp.Checks)
	}
	code := http.StatusOK
	if resp.Status == healthcheck.StatusError {
		code = http.StatusServiceUnavailable
		h.logger.Warn("health degraded", slog.Int("checks", len(resp.Checks)))
	}
	return c.JSON(code, resp)
}

// HealthHead answers load balancers without running the checks.
func (h *HealthHandler) HealthHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
