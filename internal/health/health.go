// Package health exposes liveness and readiness probes for the daemon.
// Components register named checks; the HTTP handlers aggregate them so an
// operator (or an editor integration) can ask one endpoint whether history
// capture is working.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Status is the health state of a component or the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// Check probes one component.
type Check func(ctx context.Context) CheckResult

// component pairs a check with its registration metadata. Critical
// components drag overall status to unhealthy when they fail; non-critical
// ones only degrade it.
type component struct {
	name     string
	critical bool
	check    Check
}

// Checker aggregates component checks into daemon-level health.
type Checker struct {
	mu         sync.RWMutex
	components map[string]component
	results    map[string]CheckResult
	ready      bool
	timeout    time.Duration
}

// NewChecker creates an empty checker. The daemon marks it ready once
// startup completes.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]component),
		results:    make(map[string]CheckResult),
		timeout:    5 * time.Second,
	}
}

// Register adds or replaces a named component check.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{name: name, critical: critical, check: check}
}

// Unregister removes a component check.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.results, name)
}

// SetReady flips the readiness flag reported by the readiness probe.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready reports whether the daemon finished startup.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every registered component check and caches the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	timeout := c.timeout
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	for _, comp := range components {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		result := comp.check(checkCtx)
		cancel()
		result.CheckedAt = time.Now()
		results[comp.name] = result
	}

	c.mu.Lock()
	for name, result := range results {
		c.results[name] = result
	}
	c.mu.Unlock()
	return results
}

// OverallStatus folds cached results into one status. A failing critical
// component is unhealthy; any other failure degrades.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, result := range c.results {
		if result.Status == StatusHealthy {
			continue
		}
		if comp, ok := c.components[name]; ok && comp.critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// Response is the body of the aggregated health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Timestamp  time.Time              `json:"timestamp"`
	Components map[string]CheckResult `json:"components,omitempty"`
}

// LivenessHandler answers 200 while the process can serve HTTP at all.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})
}

// ReadinessHandler answers 200 once startup completed, 503 before.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !c.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
}

// Handler runs every check and reports the aggregate plus per-component
// results. Unhealthy maps to 503 so load balancers and scripts can branch
// on the status code alone.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Context())

		resp := Response{
			Status:    c.OverallStatus(),
			Ready:     c.Ready(),
			Timestamp: time.Now(),
		}
		c.mu.RLock()
		resp.Components = make(map[string]CheckResult, len(c.results))
		for name, result := range c.results {
			resp.Components[name] = result
		}
		c.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})
}

// DatabaseCheck probes a storage backend through its ping function.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "event log unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "event log ok"}
	}
}

// FileCheck verifies that a daemon-owned file or directory exists.
func FileCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		if _, err := os.Stat(path); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s missing", path),
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Details: map[string]any{"path": path},
		}
	}
}

// CustomCheck adapts a plain error-returning function.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
