// Package health implements the health_check and health_summary tools: a
// small registry of named checks plus worst-of aggregation.
package health

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/reasonbridge/reasonbridge/internal/errs"
	"github.com/reasonbridge/reasonbridge/internal/provider"
)

// Status ranks component health; higher is worse.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

func rank(s Status) int {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	}
	return 0
}

// CheckResult is one check's answer.
type CheckResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Check is a named, independently runnable probe.
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Registry holds the registered checks in registration order.
type Registry struct {
	checks []Check
}

// NewRegistry creates a Registry with the given checks.
func NewRegistry(checks ...Check) *Registry {
	return &Registry{checks: checks}
}

// Register appends a check.
func (r *Registry) Register(c Check) { r.checks = append(r.checks, c) }

// Run executes the named check, or every check when name is empty.
func (r *Registry) Run(ctx context.Context, name string) ([]CheckResult, error) {
	if name == "" {
		out := make([]CheckResult, 0, len(r.checks))
		for _, c := range r.checks {
			out = append(out, c.Run(ctx))
		}
		return out, nil
	}
	for _, c := range r.checks {
		if c.Name() == name {
			return []CheckResult{c.Run(ctx)}, nil
		}
	}
	return nil, errs.Newf(errs.Validation, "unknown health check %q", name)
}

// Summary is the aggregate answer to health_summary.
type Summary struct {
	Overall Status         `json:"overall"`
	Counts  map[Status]int `json:"counts"`
	Checks  []CheckResult  `json:"checks,omitempty"`
}

// Summarize runs every check and aggregates: overall is the worst
// individual status. Details are included only when asked for.
func (r *Registry) Summarize(ctx context.Context, includeDetails bool) Summary {
	results, _ := r.Run(ctx, "")

	s := Summary{Overall: Healthy, Counts: map[Status]int{}}
	for _, res := range results {
		s.Counts[res.Status]++
		if rank(res.Status) > rank(s.Overall) {
			s.Overall = res.Status
		}
	}
	if includeDetails {
		s.Checks = results
	}
	return s
}

// --- process-memory check ---

// MemoryCheck reports the server process's resident set against soft and
// hard thresholds.
type MemoryCheck struct {
	WarnBytes uint64
	MaxBytes  uint64
}

// NewMemoryCheck creates a MemoryCheck with defaults (512 MiB warn, 1 GiB
// max) where zeros are given.
func NewMemoryCheck(warnBytes, maxBytes uint64) *MemoryCheck {
	if warnBytes == 0 {
		warnBytes = 512 << 20
	}
	if maxBytes == 0 {
		maxBytes = 1 << 30
	}
	return &MemoryCheck{WarnBytes: warnBytes, MaxBytes: maxBytes}
}

// Name implements Check.
func (c *MemoryCheck) Name() string { return "process-memory" }

// Run implements Check.
func (c *MemoryCheck) Run(ctx context.Context) CheckResult {
	res := CheckResult{Name: c.Name(), Status: Healthy}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		res.Status = Degraded
		res.Detail = "cannot inspect process: " + err.Error()
		return res
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		res.Status = Degraded
		res.Detail = "cannot read memory info: " + err.Error()
		return res
	}

	res.Detail = fmt.Sprintf("rss=%d bytes", mem.RSS)
	switch {
	case mem.RSS >= c.MaxBytes:
		res.Status = Unhealthy
	case mem.RSS >= c.WarnBytes:
		res.Status = Degraded
	}
	return res
}

// --- provider-registry check ---

// ProviderSource is the slice of the orchestrator the check reads.
type ProviderSource interface {
	Health() []provider.Health
}

// ProviderCheck reports on the provider chain: unhealthy when no provider
// can serve, degraded when any breaker is open.
type ProviderCheck struct {
	src ProviderSource
}

// NewProviderCheck creates a ProviderCheck.
func NewProviderCheck(src ProviderSource) *ProviderCheck { return &ProviderCheck{src: src} }

// Name implements Check.
func (c *ProviderCheck) Name() string { return "provider-registry" }

// Run implements Check.
func (c *ProviderCheck) Run(context.Context) CheckResult {
	res := CheckResult{Name: c.Name()}

	chain := c.src.Health()
	if len(chain) == 0 {
		res.Status = Unhealthy
		res.Detail = "no providers registered"
		return res
	}

	available, open := 0, 0
	for _, h := range chain {
		if h.Healthy {
			available++
		}
		if h.Breaker.State != provider.BreakerClosed {
			open++
		}
	}

	res.Detail = fmt.Sprintf("%d/%d providers available, %d breakers open", available, len(chain), open)
	switch {
	case available == 0:
		res.Status = Unhealthy
	case open > 0 || available < len(chain):
		res.Status = Degraded
	default:
		res.Status = Healthy
	}
	return res
}

// --- session-store check ---

// SessionSource is the slice of the session store the check reads.
type SessionSource interface {
	Count() int
}

// SessionCheck reports live session pressure against a soft cap.
type SessionCheck struct {
	src SessionSource
	cap int
}

// NewSessionCheck creates a SessionCheck; cap <= 0 selects 1000.
func NewSessionCheck(src SessionSource, cap int) *SessionCheck {
	if cap <= 0 {
		cap = 1000
	}
	return &SessionCheck{src: src, cap: cap}
}

// Name implements Check.
func (c *SessionCheck) Name() string { return "session-store" }

// Run implements Check.
func (c *SessionCheck) Run(context.Context) CheckResult {
	res := CheckResult{Name: c.Name(), Status: Healthy}
	n := c.src.Count()
	res.Detail = fmt.Sprintf("%d live sessions (soft cap %d)", n, c.cap)
	switch {
	case n >= c.cap:
		res.Status = Unhealthy
	case n >= c.cap*8/10:
		res.Status = Degraded
	}
	return res
}
