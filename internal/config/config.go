// Package config holds all runtime configuration. Values merge flags, env
// vars (REASONBRIDGE_* via viper), and defaults set up by the cobra command
// in cmd/reasonbridge. Provider credentials are the exception: they follow
// the conventional <PROVIDER>_API_KEY names and never pass through flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the server.
type Config struct {
	WorkspaceRoot string
	ExtraRoots    []string

	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIBaseURL   string

	CallBudget         time.Duration
	SessionWallClock   time.Duration
	SessionCalls       int
	SessionIdleTTL     time.Duration
	SessionMaxTurns    int
	MaxTranscriptBytes int
	MaxSessions        int

	StateDir string // empty disables the transcript archive
	Debug    bool
}

// Load reads configuration from viper plus the credential env vars.
func Load() Config {
	return Config{
		WorkspaceRoot: viper.GetString("workspace_root"),
		ExtraRoots:    splitList(viper.GetString("extra_roots")),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  viper.GetString("anthropic_model"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     viper.GetString("openai_model"),
		OpenAIBaseURL:   viper.GetString("openai_base_url"),

		CallBudget:         time.Duration(viper.GetInt("call_budget_seconds")) * time.Second,
		SessionWallClock:   time.Duration(viper.GetInt("session_wall_clock_seconds")) * time.Second,
		SessionCalls:       viper.GetInt("session_provider_calls"),
		SessionIdleTTL:     time.Duration(viper.GetInt("session_idle_ttl_seconds")) * time.Second,
		SessionMaxTurns:    viper.GetInt("session_max_turns"),
		MaxTranscriptBytes: viper.GetInt("session_max_transcript_kb") * 1024,
		MaxSessions:        viper.GetInt("max_sessions"),

		StateDir: viper.GetString("state_dir"),
		Debug:    viper.GetBool("debug"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
