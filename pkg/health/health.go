// Package health runs the readiness checks of the sync service: the database
// and the connection state of every registered provider.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jscharber/coursemirror/pkg/storage"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Critical  bool              `json:"critical"`
}

// Checker represents a health check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
	IsCritical() bool
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc struct {
	name     string
	critical bool
	checkFn  func(ctx context.Context) CheckResult
}

// NewChecker creates a new health checker
func NewChecker(name string, critical bool, checkFn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{
		name:     name,
		critical: critical,
		checkFn:  checkFn,
	}
}

// Check executes the health check
func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

// Name returns the checker name
func (c *CheckerFunc) Name() string {
	return c.name
}

// IsCritical returns whether this check is critical
func (c *CheckerFunc) IsCritical() bool {
	return c.critical
}

// HealthChecker manages multiple health checks
type HealthChecker struct {
	checkers map[string]Checker
	timeout  time.Duration
	mu       sync.RWMutex
}

// NewHealthChecker creates a new health checker manager
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HealthChecker{
		checkers: make(map[string]Checker),
		timeout:  timeout,
	}
}

// AddChecker adds a health checker
func (hc *HealthChecker) AddChecker(checker Checker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkers[checker.Name()] = checker
}

// HealthReport represents the overall health status
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Version   string                 `json:"version"`
	Service   string                 `json:"service"`
	Checks    map[string]CheckResult `json:"checks"`
	Summary   map[string]int         `json:"summary"`
	Critical  bool                   `json:"critical"`
}

// Check performs all health checks in parallel and returns a report
func (hc *HealthChecker) Check(ctx context.Context, service, version string) HealthReport {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	hc.mu.RLock()
	checkers := make([]Checker, 0, len(hc.checkers))
	for _, checker := range hc.checkers {
		checkers = append(checkers, checker)
	}
	hc.mu.RUnlock()

	resultsChan := make(chan CheckResult, len(checkers))
	var wg sync.WaitGroup
	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			resultsChan <- hc.runSingleCheck(checkCtx, c)
		}(checker)
	}
	wg.Wait()
	close(resultsChan)

	results := make(map[string]CheckResult, len(checkers))
	summary := map[string]int{
		string(StatusHealthy):   0,
		string(StatusUnhealthy): 0,
		string(StatusDegraded):  0,
	}
	criticalFailed := false
	for result := range resultsChan {
		results[result.Name] = result
		summary[string(result.Status)]++
		if result.Critical && result.Status != StatusHealthy {
			criticalFailed = true
		}
	}

	return HealthReport{
		Status:    overallStatus(summary, criticalFailed),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Version:   version,
		Service:   service,
		Checks:    results,
		Summary:   summary,
		Critical:  criticalFailed,
	}
}

// runSingleCheck runs one check; a panicking check reports unhealthy
func (hc *HealthChecker) runSingleCheck(ctx context.Context, checker Checker) (result CheckResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{
				Name:   checker.Name(),
				Status: StatusUnhealthy,
				Error:  fmt.Sprintf("check panicked: %v", r),
			}
		}
		result.Duration = time.Since(start)
		result.Timestamp = time.Now()
		result.Critical = checker.IsCritical()
		if result.Name == "" {
			result.Name = checker.Name()
		}
	}()

	return checker.Check(ctx)
}

func overallStatus(summary map[string]int, criticalFailed bool) Status {
	switch {
	case criticalFailed:
		return StatusUnhealthy
	case summary[string(StatusUnhealthy)] > 0, summary[string(StatusDegraded)] > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

// Common health check implementations

// DatabaseChecker creates a critical database health checker
func DatabaseChecker(name string, checkFn func(ctx context.Context) error) Checker {
	return NewChecker(name, true, func(ctx context.Context) CheckResult {
		if err := checkFn(ctx); err != nil {
			return CheckResult{
				Name:    name,
				Status:  StatusUnhealthy,
				Error:   err.Error(),
				Message: "Database connection failed",
			}
		}
		return CheckResult{
			Name:    name,
			Status:  StatusHealthy,
			Message: "Database connection successful",
		}
	})
}

// ConnectionSource reports provider connection state
type ConnectionSource interface {
	Connected(ctx context.Context, provider storage.Provider) bool
}

// ProvidersChecker reports which registered providers hold a usable grant.
// A deployment with no connected provider is degraded, never down.
func ProvidersChecker(registry storage.ConnectorRegistry, connections ConnectionSource) Checker {
	const name = "providers"
	return NewChecker(name, false, func(ctx context.Context) CheckResult {
		metadata := make(map[string]string)
		connected := 0
		for _, p := range registry.List() {
			state := "disconnected"
			if connections.Connected(ctx, p) {
				state = "connected"
				connected++
			}
			metadata[p.String()] = state
		}

		result := CheckResult{
			Name:     name,
			Status:   StatusHealthy,
			Message:  fmt.Sprintf("%d of %d providers connected", connected, len(metadata)),
			Metadata: metadata,
		}
		if connected == 0 {
			result.Status = StatusDegraded
		}
		return result
	})
}

// PingChecker creates a non-critical checker around a ping function, such as the Redis sync log
func PingChecker(name string, pingFn func(ctx context.Context) error) Checker {
	return NewChecker(name, false, func(ctx context.Context) CheckResult {
		if err := pingFn(ctx); err != nil {
			return CheckResult{Name: name, Status: StatusDegraded, Error: err.Error()}
		}
		return CheckResult{Name: name, Status: StatusHealthy}
	})
}
