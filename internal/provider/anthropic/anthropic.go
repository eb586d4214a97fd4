// Package anthropic adapts the Anthropic Messages API to the provider
// interface. It is the primary adapter: the registry always places it first
// when ANTHROPIC_API_KEY is configured.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/reasonbridge/reasonbridge/internal/provider"
)

const defaultMaxTokens = 4096

// Adapter calls the Anthropic Messages API.
type Adapter struct {
	client    anthropic.Client
	model     string
	rateClass provider.RateClass
}

// New creates an Adapter for the given model identifier. The API key comes
// from the environment via the SDK's default client options.
func New(apiKey, model string) *Adapter {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Adapter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		rateClass: provider.RatePremium,
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "anthropic" }

// RateClass implements provider.Adapter.
func (a *Adapter) RateClass() provider.RateClass { return a.rateClass }

// IsHealthy reports whether the adapter is usable. Liveness of the remote
// endpoint is tracked by the orchestrator's breaker, not probed here.
func (a *Adapter) IsHealthy() bool { return a.model != "" }

// Generate implements provider.Adapter using the Messages API.
func (a *Adapter) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return provider.Response{}, a.classify(err)
	}

	// Extract text from the response content blocks.
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return provider.Response{}, provider.NewCallError(a.Name(), provider.KindTransient, "no text block in response")
	}

	return provider.Response{
		Text:         strings.Join(parts, "\n"),
		Model:        string(msg.Model),
		Provider:     a.Name(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// classify maps SDK errors to the orchestrator's taxonomy.
func (a *Adapter) classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		var retryAfter *time.Duration
		if apierr.Response != nil {
			retryAfter = provider.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"), time.Now())
		}
		return provider.FromHTTPStatus(a.Name(), apierr.StatusCode, apierr.Error(), retryAfter)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("anthropic messages: %w", err)
	}
	// Network-level failure with no HTTP response.
	return provider.NewCallError(a.Name(), provider.KindUnavailable, err.Error())
}
