// Package health checks the components triage depends on: the ticket
// database, the language model backend and the passage store.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// Pinger is anything that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports how many passages a store holds.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Check is one named probe. Fn returns a short status message on success.
type Check struct {
	Name string
	Fn   func(ctx context.Context) (string, error)
}

// Result is the outcome of one check.
type Result struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the outcome of a full run.
type Report struct {
	Healthy bool      `json:"healthy"`
	Checked time.Time `json:"checked_at"`
	Results []Result  `json:"results"`
}

// Checker runs a fixed set of checks.
type Checker struct {
	checks  []Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a checker. Each check gets its own timeout.
func NewChecker(timeout time.Duration, logger *slog.Logger, checks ...Check) *Checker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{checks: checks, timeout: timeout, logger: logger}
}

// Run executes all checks concurrently; results keep registration order.
func (c *Checker) Run(ctx context.Context) Report {
	results := make([]Result, len(c.checks))
	var wg sync.WaitGroup
	for i, chk := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.runOne(ctx, chk)
		}()
	}
	wg.Wait()

	rep := Report{Healthy: true, Checked: time.Now().UTC(), Results: results}
	for _, r := range results {
		if !r.OK {
			rep.Healthy = false
		}
	}
	return rep
}

// Log runs the checks and logs the outcome; it returns an error naming the
// failing components. Suitable as a scheduler job.
func (c *Checker) Log(ctx context.Context) error {
	rep := c.Run(ctx)
	var failed []string
	for _, r := range rep.Results {
		if r.OK {
			c.logger.Debug("health check passed", "component", r.Name, "latency_ms", r.LatencyMS)
			continue
		}
		failed = append(failed, r.Name)
		c.logger.Warn("health check failed", "component", r.Name, "error", r.Message)
	}
	if len(failed) > 0 {
		return fmt.Errorf("health: unhealthy components: %v", failed)
	}
	return nil
}

func (c *Checker) runOne(ctx context.Context, chk Check) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res.Name = chk.Name
	start := time.Now()
	defer func() {
		res.LatencyMS = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			res.OK = false
			res.Message = fmt.Sprintf("panic: %v", r)
		}
	}()

	msg, err := chk.Fn(ctx)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.OK = true
	res.Message = msg
	return res
}

// Database checks the ticket store connection.
func Database(p Pinger) Check {
	return Check{Name: "database", Fn: func(ctx context.Context) (string, error) {
		if err := p.Ping(ctx); err != nil {
			return "", err
		}
		return "connected", nil
	}}
}

// LLM checks that the model backend answers without spending tokens.
func LLM(name string, p Pinger) Check {
	return Check{Name: "llm", Fn: func(ctx context.Context) (string, error) {
		if err := p.Ping(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("provider %s reachable", name), nil
	}}
}

// Knowledge checks the passage store and reports its size. An empty store is
// healthy but noted, since every ticket would then get the not-found passage.
func Knowledge(s interface {
	Pinger
	Counter
}) Check {
	return Check{Name: "knowledge", Fn: func(ctx context.Context) (string, error) {
		if err := s.Ping(ctx); err != nil {
			return "", err
		}
		n, err := s.Count(ctx)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "reachable, no passages ingested", nil
		}
		return fmt.Sprintf("%d passages", n), nil
	}}
}
