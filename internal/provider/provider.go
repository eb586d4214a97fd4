// Package provider defines the deep-reasoner provider abstraction: a common
// adapter interface over vendor APIs, a priority-ordered registry, and an
// orchestrator that layers fallback, retry, and circuit breaking on top.
package provider

import "context"

// RateClass groups providers by rate-limit profile. Circuit-breaker state for
// rate-limit errors is keyed by (provider, rate class).
type RateClass string

const (
	RateStandard RateClass = "standard"
	RatePremium  RateClass = "premium"
	RateBulk     RateClass = "bulk"
)

// Request is a single generation request against a provider.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int // 0 means the adapter's default
}

// Response is the result of a successful generation.
type Response struct {
	Text         string
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
}

// Adapter turns a generate call into a concrete vendor API call with
// vendor-specific error mapping. Implementations must return *CallError for
// classifiable failures.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
	IsHealthy() bool
	RateClass() RateClass
}
