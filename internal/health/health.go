// Package health runs checks against the backends the credential subsystem
// depends on and folds the results into one report.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded means the component answers but something it should
	// hold is missing.
	StatusDegraded Status = "degraded"
	StatusUnknown  Status = "unknown"
)

// DefaultTimeout bounds a check that sets no Timeout.
const DefaultTimeout = 10 * time.Second

// Check is one named backend test. A failed critical check makes the whole report
// unhealthy; a failed non-critical one only degrades it.
type Check struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Run      func(context.Context) (Status, error)
}

// Result represents the result of a health check
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Critical bool          `json:"critical"`
}

// Report is the outcome of one Run. Results are sorted by name.
type Report struct {
	Status    Status    `json:"status"`
	Namespace string    `json:"namespace,omitempty"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Results   []*Result `json:"results"`
	Summary   Summary   `json:"summary"`
}

type Summary struct {
	Total          int `json:"total"`
	Healthy        int `json:"healthy"`
	Unhealthy      int `json:"unhealthy"`
	Degraded       int `json:"degraded"`
	Unknown        int `json:"unknown"`
	CriticalFailed int `json:"critical_failed"`
}

// Checker is safe for concurrent use.
type Checker struct {
	mu        sync.RWMutex
	checks    map[string]*Check
	namespace string
	version   string
	timeout   time.Duration
}

func NewChecker(namespace, version string) *Checker {
	return &Checker{
		checks:    make(map[string]*Check),
		namespace: namespace,
		version:   version,
		timeout:   DefaultTimeout,
	}
}

// SetTimeout changes the timeout applied to checks registered afterwards
// without their own.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Register adds or replaces a check by name.
func (c *Checker) Register(check *Check) error {
	if check == nil {
		return fmt.Errorf("health check cannot be nil")
	}
	if check.Name == "" {
		return fmt.Errorf("health check name cannot be empty")
	}
	if check.Run == nil {
		return fmt.Errorf("health check %q has no Run function", check.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if check.Timeout == 0 {
		check.Timeout = c.timeout
	}
	c.checks[check.Name] = check
	return nil
}

// Run executes every registered check concurrently.
func (c *Checker) Run(ctx context.Context) *Report {
	c.mu.RLock()
	checks := make([]*Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	results := make([]*Result, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check *Check) {
			defer wg.Done()
			results[i] = execute(ctx, check)
		}(i, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return &Report{
		Status:    overall(results),
		Namespace: c.namespace,
		Version:   c.version,
		Timestamp: time.Now().UTC(),
		Results:   results,
		Summary:   summarize(results),
	}
}

func execute(ctx context.Context, check *Check) (result *Result) {
	start := time.Now()
	result = &Result{Name: check.Name, Critical: check.Critical}

	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusUnhealthy
			result.Error = fmt.Sprintf("check panicked: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	status, err := check.Run(ctx)
	result.Status = status
	if err != nil {
		result.Error = err.Error()
		if status == StatusHealthy || status == "" {
			result.Status = StatusUnhealthy
		}
	}
	return result
}

func summarize(results []*Result) Summary {
	var s Summary
	for _, r := range results {
		s.Total++
		switch r.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusUnhealthy:
			s.Unhealthy++
			if r.Critical {
				s.CriticalFailed++
			}
		case StatusDegraded:
			s.Degraded++
		default:
			s.Unknown++
		}
	}
	return s
}

func overall(results []*Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}
	degraded := false
	for _, r := range results {
		switch r.Status {
		case StatusHealthy:
		case StatusUnhealthy, StatusUnknown:
			if r.Critical {
				return StatusUnhealthy
			}
			degraded = true
		default:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}
