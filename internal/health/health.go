// Package health provides readiness checks for the service's dependencies.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 2 * time.Second

// Check states.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Checker is a named dependency probe.
type Checker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// Report is the outcome of running every checker.
type Report struct {
	Healthy bool
	Checks  map[string]string
}

// Run executes checkers concurrently, each under timeout.
func Run(ctx context.Context, timeout time.Duration, checkers ...Checker) Report {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	report := Report{Healthy: true, Checks: make(map[string]string, len(checkers))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checkers {
		if c == nil {
			continue
		}
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			status := StatusOK
			if err := c.HealthCheck(checkCtx); err != nil {
				status = StatusError
				slog.WarnContext(ctx, "health check failed", "check", c.Name(), "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Checks[c.Name()] = status
			if status != StatusOK {
				report.Healthy = false
			}
		}(c)
	}
	wg.Wait()
	return report
}
