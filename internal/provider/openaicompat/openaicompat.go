// Package openaicompat adapts any OpenAI-compatible chat-completions
// endpoint to the provider interface. It is the standard fallback adapter;
// local inference servers that speak the same dialect also work by pointing
// the base URL at them.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reasonbridge/reasonbridge/internal/provider"
)

const defaultMaxTokens = 4096

// Config holds the endpoint parameters.
type Config struct {
	Name    string // registry name; defaults to "openai"
	APIKey  string
	BaseURL string // defaults to https://api.openai.com/v1
	Model   string
}

// Adapter posts chat-completions requests over plain HTTP.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates an Adapter from cfg, applying defaults.
func New(cfg Config) *Adapter {
	cfg.Name = strings.ToLower(strings.TrimSpace(cfg.Name))
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &Adapter{
		cfg: cfg,
		// Avoid short client-level timeouts; rely on request context deadlines instead.
		client: &http.Client{Timeout: 0},
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return a.cfg.Name }

// RateClass implements provider.Adapter.
func (a *Adapter) RateClass() provider.RateClass { return provider.RateStandard }

// IsHealthy reports whether the adapter is usable.
func (a *Adapter) IsHealthy() bool { return a.cfg.Model != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate implements provider.Adapter.
func (a *Adapter) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{Model: a.cfg.Model, Messages: messages, MaxTokens: maxTokens})
	if err != nil {
		return provider.Response{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return provider.Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return provider.Response{}, fmt.Errorf("chat completions: %w", err)
		}
		return provider.Response{}, provider.NewCallError(a.Name(), provider.KindUnavailable, err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return provider.Response{}, provider.NewCallError(a.Name(), provider.KindTransient, "read response: "+err.Error())
	}

	var parsed chatResponse
	_ = json.Unmarshal(payload, &parsed) // tolerate malformed bodies; status drives classification

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(payload))
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		retryAfter := provider.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return provider.Response{}, provider.FromHTTPStatus(a.Name(), resp.StatusCode, msg, retryAfter)
	}

	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return provider.Response{}, provider.NewCallError(a.Name(), provider.KindTransient, "empty completion")
	}

	model := parsed.Model
	if model == "" {
		model = a.cfg.Model
	}
	return provider.Response{
		Text:         parsed.Choices[0].Message.Content,
		Model:        model,
		Provider:     a.Name(),
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}
