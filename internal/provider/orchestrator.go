package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/reasonbridge/reasonbridge/internal/errs"
)

// OrchestratorConfig tunes the fallback and breaker policy.
type OrchestratorConfig struct {
	TransientRetries    uint          // extra attempts on the same provider for transient errors
	BreakerThreshold    int           // consecutive unavailable errors before the breaker opens
	BreakerBaseCooldown time.Duration // first cool-down window
	BreakerMaxCooldown  time.Duration // exponential cap
	RetryInitialDelay   time.Duration // first transient-retry delay (jittered by backoff)
}

func (c *OrchestratorConfig) withDefaults() {
	if c.TransientRetries == 0 {
		c.TransientRetries = 2
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerBaseCooldown == 0 {
		c.BreakerBaseCooldown = 30 * time.Second
	}
	if c.BreakerMaxCooldown == 0 {
		c.BreakerMaxCooldown = 10 * time.Minute
	}
	if c.RetryInitialDelay == 0 {
		c.RetryInitialDelay = 200 * time.Millisecond
	}
}

// Health is the per-provider view exposed by the orchestrator's read-only
// health metric.
type Health struct {
	Name      string          `json:"name"`
	RateClass string          `json:"rateClass"`
	Healthy   bool            `json:"isHealthy"`
	Breaker   BreakerSnapshot `json:"breaker"`
	LastError string          `json:"lastError,omitempty"`
}

// Orchestrator executes model calls against the registry chain with
// per-provider circuit breakers, bounded transient retry, and fallback.
type Orchestrator struct {
	registry *Registry
	cfg      OrchestratorConfig
	log      *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker // keyed by provider name + "/" + rate class
	lastErr  map[string]string
}

// NewOrchestrator wraps the registry with the fallback policy.
func NewOrchestrator(registry *Registry, cfg OrchestratorConfig, log *slog.Logger) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		registry: registry,
		cfg:      cfg,
		log:      log.With("component", "orchestrator"),
		breakers: make(map[string]*breaker),
		lastErr:  make(map[string]string),
	}
}

// Registry returns the underlying provider registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Call runs one generation through the chain. Non-swappable failures
// (invalid request, fatal configuration errors) surface immediately; rate
// limits and outages open the breaker and fall through to the next provider.
func (o *Orchestrator) Call(ctx context.Context, req Request) (Response, error) {
	chain := o.registry.Chain()
	if len(chain) == 0 {
		return Response{}, errs.New(errs.AllProvidersDown, "no providers configured")
	}

	perProvider := map[string]string{}
	for _, a := range chain {
		if ctx.Err() != nil {
			return Response{}, errs.Wrap(errs.BudgetExhausted, "call deadline exceeded", ctx.Err())
		}

		br := o.breakerFor(a)
		if !br.allow() {
			perProvider[a.Name()] = "circuit open"
			o.log.Debug("skipping provider, circuit open", "provider", a.Name())
			continue
		}

		resp, err := o.generateWithRetry(ctx, a, req)
		if err == nil {
			br.recordSuccess()
			o.setLastErr(a.Name(), "")
			return resp, nil
		}
		o.setLastErr(a.Name(), err.Error())

		if ctx.Err() != nil {
			return Response{}, errs.Wrap(errs.BudgetExhausted, "call deadline exceeded", ctx.Err())
		}

		switch Classify(err) {
		case KindInvalidRequest:
			// Not provider-swappable: the prompt itself was rejected.
			return Response{}, errs.Wrap(errs.InvalidRequest, "provider rejected request", err)
		case KindFatal:
			return Response{}, errs.Wrap(errs.Internal, "provider configuration error", err)
		case KindRateLimit:
			cooldown := o.cfg.BreakerBaseCooldown
			if ra := RetryAfterOf(err); ra != nil {
				cooldown = *ra
			}
			br.forceOpen(cooldown)
			perProvider[a.Name()] = err.Error()
			o.log.Warn("provider rate limited, falling back", "provider", a.Name(), "cooldown", cooldown)
		case KindUnavailable:
			br.recordFailure()
			perProvider[a.Name()] = err.Error()
			o.log.Warn("provider unavailable, falling back", "provider", a.Name(), "error", err.Error())
		default:
			// Transient retries exhausted on this provider.
			perProvider[a.Name()] = err.Error()
			o.log.Warn("provider transient failures exhausted, falling back", "provider", a.Name(), "error", err.Error())
		}
	}

	return Response{}, errs.New(errs.AllProvidersDown, "provider chain exhausted").
		WithData(map[string]any{"providers": perProvider})
}

// generateWithRetry retries transient failures on the same adapter with
// jittered exponential backoff. Non-transient errors abort immediately.
func (o *Orchestrator) generateWithRetry(ctx context.Context, a Adapter, req Request) (Response, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.RetryInitialDelay

	return backoff.Retry(ctx, func() (Response, error) {
		resp, err := a.Generate(ctx, req)
		if err != nil {
			if Classify(err) != KindTransient {
				return Response{}, backoff.Permanent(err)
			}
			return Response{}, err
		}
		return resp, nil
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(o.cfg.TransientRetries+1),
		backoff.WithNotify(func(err error, d time.Duration) {
			o.log.Debug("retrying provider call", "provider", a.Name(), "delay", d, "error", err.Error())
		}),
	)
}

// Health returns the read-only per-provider snapshot in chain order.
func (o *Orchestrator) Health() []Health {
	chain := o.registry.Chain()
	out := make([]Health, 0, len(chain))
	for _, a := range chain {
		snap := o.breakerFor(a).snapshot()
		out = append(out, Health{
			Name:      a.Name(),
			RateClass: string(a.RateClass()),
			Healthy:   a.IsHealthy() && snap.State == BreakerClosed,
			Breaker:   snap,
			LastError: o.getLastErr(a.Name()),
		})
	}
	return out
}

func (o *Orchestrator) breakerFor(a Adapter) *breaker {
	key := a.Name() + "/" + string(a.RateClass())
	o.mu.Lock()
	defer o.mu.Unlock()
	br, ok := o.breakers[key]
	if !ok {
		br = newBreaker(o.cfg.BreakerThreshold, o.cfg.BreakerBaseCooldown, o.cfg.BreakerMaxCooldown)
		o.breakers[key] = br
	}
	return br
}

func (o *Orchestrator) setLastErr(name, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr[name] = msg
}

func (o *Orchestrator) getLastErr(name string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr[name]
}
