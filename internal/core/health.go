package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds one GET /health. Checks still running at the
// deadline are reported as timed out.
const healthCheckTimeout = 2 * time.Second

// Health report states. A failed critical check makes the engine unhealthy
// and answers 503. A failed non-critical check only degrades it.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck checks one dependency of the engine.
type HealthCheck interface {
	Name() string
	// Check must return once ctx is done.
	Check(ctx context.Context) error
}

// criticality is implemented by checks that can be non-critical. Checks
// without it are critical.
type criticality interface {
	Critical() bool
}

// CheckFunc adapts a function to HealthCheck. NonCritical checks, such as
// the sensor bus whose readings also arrive over HTTP, only degrade the
// report.
type CheckFunc struct {
	Label       string
	NonCritical bool
	Fn          func(ctx context.Context) error
}

func (p CheckFunc) Name() string                    { return p.Label }
func (p CheckFunc) Check(ctx context.Context) error { return p.Fn(ctx) }
func (p CheckFunc) Critical() bool                  { return !p.NonCritical }

// HealthGauge adds a live count to the report, like running monitoring
// sessions or connected guardians.
type HealthGauge struct {
	Name  string
	Count func() int
}

type checkResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type healthReport struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Commit  string                 `json:"commit,omitempty"`
	Checks  map[string]checkResult `json:"checks,omitempty"`
	Gauges  map[string]int         `json:"gauges,omitempty"`
}

type checkOutcome struct {
	index   int
	err     error
	latency time.Duration
}

// HandleHealth runs every check concurrently and reports the engine status
// along with build metadata and gauges. Mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := healthReport{Status: StatusHealthy}
	if s.Config != nil {
		report.Version = s.Config.Build.Version
		report.Commit = s.Config.Build.Commit
	}
	if len(s.HealthGauges) > 0 {
		report.Gauges = make(map[string]int, len(s.HealthGauges))
		for _, g := range s.HealthGauges {
			report.Gauges[g.Name] = g.Count()
		}
	}

	checks := s.HealthChecks
	results := make(chan checkOutcome, len(checks))
	for i, p := range checks {
		go func() {
			start := time.Now()
			err := runCheck(ctx, p)
			results <- checkOutcome{index: i, err: err, latency: time.Since(start)}
		}()
	}

	finished := make([]*checkOutcome, len(checks))
collect:
	for range checks {
		select {
		case out := <-results:
			finished[out.index] = &out
		case <-ctx.Done():
			break collect
		}
	}

	if len(checks) > 0 {
		report.Checks = make(map[string]checkResult, len(checks))
	}
	for i, p := range checks {
		res := checkResult{Status: StatusHealthy, Critical: isCritical(p)}
		switch out := finished[i]; {
		case out == nil, errors.Is(out.err, context.DeadlineExceeded):
			res.Status, res.Error = StatusUnhealthy, "health check timed out"
			res.LatencyMS = healthCheckTimeout.Milliseconds()
		case out.err != nil:
			res.Status, res.Error = StatusUnhealthy, out.err.Error()
			res.LatencyMS = out.latency.Milliseconds()
		default:
			res.LatencyMS = out.latency.Milliseconds()
		}
		report.Checks[p.Name()] = res
		report.Status = worsen(report.Status, res)
	}

	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, report)
}

func runCheck(ctx context.Context, p HealthCheck) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("check panicked: %v", rec)
		}
	}()
	return p.Check(ctx)
}

func isCritical(p HealthCheck) bool {
	if c, ok := p.(criticality); ok {
		return c.Critical()
	}
	return true
}

func worsen(current string, res checkResult) string {
	if res.Status == StatusHealthy || current == StatusUnhealthy {
		return current
	}
	if res.Critical {
		return StatusUnhealthy
	}
	return StatusDegraded
}
