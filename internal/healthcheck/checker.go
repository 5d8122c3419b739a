package healthcheck

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
	// StatusUnknown indicates check result is not yet known.
	StatusUnknown = "unknown"
)

const defaultCheckTimeout = 3 * time.Second

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more runtime checks.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

// Overall folds results into one status: error wins over warn, warn over ok.
func Overall(results []CheckResult) string {
	status := StatusOK
	for _, r := range results {
		switch r.Status {
		case StatusError:
			return StatusError
		case StatusWarn, StatusUnknown:
			status = StatusWarn
		}
	}
	return status
}

// Registry runs every registered checker concurrently.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

func NewRegistry(checkers ...Checker) *Registry {
	return &Registry{checkers: checkers, timeout: defaultCheckTimeout}
}

func (r *Registry) Add(c Checker) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.checkers = append(r.checkers, c)
	r.mu.Unlock()
}

// ListChecks implements Checker. Results are sorted by ID.
func (r *Registry) ListChecks(ctx context.Context) []CheckResult {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = []CheckResult{}
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			items := c.ListChecks(ctx)
			mu.Lock()
			results = append(results, items...)
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}
