package healthcheck

import (
	"context"
	"log/slog"
)

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingChecker turns a Pinger into a single check. Optional dependencies
// report warn instead of error when unreachable.
type PingChecker struct {
	id       string
	typ      string
	pinger   Pinger
	optional bool
	logger   *slog.Logger
}

func NewPingChecker(log *slog.Logger, id, typ string, pinger Pinger, optional bool) *PingChecker {
	if log == nil {
		log = slog.Default()
	}
	return &PingChecker{
		id:       id,
		typ:      typ,
		pinger:   pinger,
		optional: optional,
		logger:   log.With(slog.String("checker", id)),
	}
}

func (c *PingChecker) ListChecks(ctx context.Context) []CheckResult {
	result := CheckResult{ID: c.id, Type: c.typ, Status: StatusOK, Summary: "reachable"}
	if c.pinger == nil {
		result.Status = StatusUnknown
		result.Summary = "not configured"
		return []CheckResult{result}
	}
	if err := c.pinger.Ping(ctx); err != nil {
		c.logger.Warn("health check failed", slog.Any("error", err))
		result.Status = StatusError
		if c.optional {
			result.Status = StatusWarn
		}
		result.Summary = "unreachable"
		result.Detail = err.Error()
	}
	return []CheckResult{result}
}
