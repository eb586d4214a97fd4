package provider

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/reasonbridge/reasonbridge/internal/errs"
)

// --- Fake adapter ---

type fakeAdapter struct {
	name      string
	rateClass RateClass
	healthy   bool

	calls   int
	errs    []error // errs[i] returned for call i; nil means success
	respTxt string
}

func (f *fakeAdapter) Name() string         { return f.name }
func (f *fakeAdapter) IsHealthy() bool      { return f.healthy }
func (f *fakeAdapter) RateClass() RateClass { return f.rateClass }

func (f *fakeAdapter) Generate(_ context.Context, _ Request) (Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Response{}, f.errs[i]
	}
	txt := f.respTxt
	if txt == "" {
		txt = "ok from " + f.name
	}
	return Response{Text: txt, Provider: f.name, Model: "fake"}, nil
}

func newFake(name string) *fakeAdapter {
	return &fakeAdapter{name: name, rateClass: RateStandard, healthy: true}
}

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig, adapters ...Adapter) *Orchestrator {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	reg := NewRegistry(log)
	for _, a := range adapters {
		reg.Register(a)
	}
	return NewOrchestrator(reg, cfg, log)
}

// --- Tests ---

func TestCall_PrimarySuccess(t *testing.T) {
	primary := newFake("primary")
	secondary := newFake("secondary")
	o := newTestOrchestrator(t, OrchestratorConfig{}, primary, secondary)

	resp, err := o.Call(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Provider != "primary" {
		t.Errorf("provider = %s, want primary", resp.Provider)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.calls)
	}
}

func TestCall_FallbackOnUnavailable(t *testing.T) {
	primary := newFake("primary")
	primary.errs = []error{NewCallError("primary", KindUnavailable, "503")}
	secondary := newFake("secondary")
	o := newTestOrchestrator(t, OrchestratorConfig{}, primary, secondary)

	resp, err := o.Call(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Provider != "secondary" {
		t.Errorf("provider = %s, want secondary", resp.Provider)
	}
}

func TestCall_InvalidRequestDoesNotFallBack(t *testing.T) {
	primary := newFake("primary")
	primary.errs = []error{FromHTTPStatus("primary", 400, "bad prompt", nil)}
	secondary := newFake("secondary")
	o := newTestOrchestrator(t, OrchestratorConfig{}, primary, secondary)

	_, err := o.Call(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.KindOf(err) != errs.InvalidRequest {
		t.Errorf("kind = %s, want %s", errs.KindOf(err), errs.InvalidRequest)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called %d times, want 0 (invalid_request is not swappable)", secondary.calls)
	}
}

func TestCall_BreakerOpensAfterConsecutiveUnavailable(t *testing.T) {
	unavailable := NewCallError("primary", KindUnavailable, "503")
	primary := newFake("primary")
	primary.errs = []error{unavailable, unavailable, unavailable, unavailable}
	secondary := newFake("secondary")
	o := newTestOrchestrator(t, OrchestratorConfig{BreakerThreshold: 3}, primary, secondary)

	// Three calls each hit primary once (unavailable is not retried in-provider)
	// and fall back; the third opens the breaker.
	for i := 0; i < 3; i++ {
		if _, err := o.Call(context.Background(), Request{Prompt: "hi"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if primary.calls != 3 {
		t.Fatalf("primary calls = %d, want 3", primary.calls)
	}

	// Fourth call must fail fast on primary without contacting it.
	resp, err := o.Call(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Provider != "secondary" {
		t.Errorf("provider = %s, want secondary", resp.Provider)
	}
	if primary.calls != 3 {
		t.Errorf("primary contacted while breaker open: calls = %d, want 3", primary.calls)
	}

	h := o.Health()
	if h[0].Breaker.State != BreakerOpen {
		t.Errorf("primary breaker state = %s, want %s", h[0].Breaker.State, BreakerOpen)
	}
}

func TestCall_BreakerHalfOpenProbeRecovers(t *testing.T) {
	primary := newFake("primary")
	primary.errs = []error{
		NewCallError("primary", KindUnavailable, "503"),
		NewCallError("primary", KindUnavailable, "503"),
		NewCallError("primary", KindUnavailable, "503"),
		nil, // probe succeeds
	}
	secondary := newFake("secondary")
	o := newTestOrchestrator(t, OrchestratorConfig{BreakerThreshold: 3}, primary, secondary)

	for i := 0; i < 3; i++ {
		if _, err := o.Call(context.Background(), Request{Prompt: "hi"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// Advance the breaker clock past the cool-down.
	br := o.breakerFor(primary)
	br.mu.Lock()
	br.now = func() time.Time { return time.Now().Add(time.Hour) }
	br.mu.Unlock()

	resp, err := o.Call(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Provider != "primary" {
		t.Errorf("provider = %s, want primary after half-open probe", resp.Provider)
	}
	if got := o.breakerFor(primary).snapshot().State; got != BreakerClosed {
		t.Errorf("breaker state after probe success = %s, want %s", got, BreakerClosed)
	}
}

func TestCall_RateLimitOpensBreakerAndFallsBack(t *testing.T) {
	ra := 45 * time.Second
	primary := newFake("primary")
	primary.errs = []error{&CallError{ProviderName: "primary", Kind: KindRateLimit, StatusCode: 429, RetryAfter: &ra}}
	secondary := newFake("secondary")
	o := newTestOrchestrator(t, OrchestratorConfig{}, primary, secondary)

	resp, err := o.Call(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Provider != "secondary" {
		t.Errorf("provider = %s, want secondary", resp.Provider)
	}
	snap := o.breakerFor(primary).snapshot()
	if snap.State != BreakerOpen {
		t.Errorf("breaker state = %s, want open after 429", snap.State)
	}
}

func TestCall_TransientRetriesSameProvider(t *testing.T) {
	primary := newFake("primary")
	primary.errs = []error{
		NewCallError("primary", KindTransient, "flake"),
		nil, // second attempt succeeds
	}
	o := newTestOrchestrator(t, OrchestratorConfig{RetryInitialDelay: time.Millisecond}, primary)

	resp, err := o.Call(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Provider != "primary" {
		t.Errorf("provider = %s, want primary", resp.Provider)
	}
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want 2 (one retry)", primary.calls)
	}
}

func TestCall_ChainExhausted(t *testing.T) {
	primary := newFake("primary")
	primary.errs = []error{NewCallError("primary", KindUnavailable, "503")}
	secondary := newFake("secondary")
	secondary.errs = []error{NewCallError("secondary", KindUnavailable, "503")}
	o := newTestOrchestrator(t, OrchestratorConfig{}, primary, secondary)

	_, err := o.Call(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.KindOf(err) != errs.AllProvidersDown {
		t.Errorf("kind = %s, want %s", errs.KindOf(err), errs.AllProvidersDown)
	}
	data := errs.DataOf(err)
	providers, ok := data["providers"].(map[string]string)
	if !ok || len(providers) != 2 {
		t.Errorf("error data missing per-provider terminal errors: %#v", data)
	}
}

func TestCall_NoProviders(t *testing.T) {
	o := newTestOrchestrator(t, OrchestratorConfig{})
	if _, err := o.Call(context.Background(), Request{Prompt: "hi"}); errs.KindOf(err) != errs.AllProvidersDown {
		t.Errorf("kind = %s, want %s", errs.KindOf(err), errs.AllProvidersDown)
	}
}

func TestCall_DeadlineMapsToBudgetExhausted(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	o := newTestOrchestrator(t, OrchestratorConfig{}, newFake("primary"))
	_, err := o.Call(ctx, Request{Prompt: "hi"})
	if errs.KindOf(err) != errs.BudgetExhausted {
		t.Errorf("kind = %s, want %s", errs.KindOf(err), errs.BudgetExhausted)
	}
}
