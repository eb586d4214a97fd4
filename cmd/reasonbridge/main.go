package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reasonbridge/reasonbridge/internal/analysis"
	"github.com/reasonbridge/reasonbridge/internal/archive"
	"github.com/reasonbridge/reasonbridge/internal/config"
	"github.com/reasonbridge/reasonbridge/internal/health"
	"github.com/reasonbridge/reasonbridge/internal/logging"
	"github.com/reasonbridge/reasonbridge/internal/mcpserver"
	"github.com/reasonbridge/reasonbridge/internal/notify"
	"github.com/reasonbridge/reasonbridge/internal/provider"
	"github.com/reasonbridge/reasonbridge/internal/provider/anthropic"
	"github.com/reasonbridge/reasonbridge/internal/provider/openaicompat"
	"github.com/reasonbridge/reasonbridge/internal/securefs"
	"github.com/reasonbridge/reasonbridge/internal/session"
	"github.com/reasonbridge/reasonbridge/internal/tournament"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reasonbridge",
		Short: "MCP server bridging coding assistants to a deep-reasoning model",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("workspace-root", ".", "root directory the reasoner may read files under")
	f.String("extra-roots", "", "comma-separated additional allow-listed roots")
	f.String("anthropic-model", "claude-sonnet-4-0", "Anthropic model for reasoning calls")
	f.String("openai-model", "gpt-4o", "fallback model for the OpenAI-compatible endpoint")
	f.String("openai-base-url", "", "OpenAI-compatible endpoint base URL (default api.openai.com)")
	f.Int("call-budget-seconds", 60, "wall-clock budget per reasoning call")
	f.Int("session-wall-clock-seconds", 600, "total wall-clock budget per conversation session")
	f.Int("session-provider-calls", 50, "provider-call budget per conversation session")
	f.Int("session-idle-ttl-seconds", 1800, "idle seconds before a session is reaped")
	f.Int("session-max-turns", 200, "turn cap per session transcript")
	f.Int("session-max-transcript-kb", 2048, "byte cap per session transcript, in KiB")
	f.Int("max-sessions", 1000, "soft cap on live sessions (health check threshold)")
	f.String("state-dir", "", "directory for the transcript archive (empty disables it)")
	f.Bool("debug", false, "enable debug logging")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the REASONBRIDGE_ prefix; flag names use hyphens.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("workspace_root", "workspace-root")
	bindFlag("extra_roots", "extra-roots")
	bindFlag("anthropic_model", "anthropic-model")
	bindFlag("openai_model", "openai-model")
	bindFlag("openai_base_url", "openai-base-url")
	bindFlag("call_budget_seconds", "call-budget-seconds")
	bindFlag("session_wall_clock_seconds", "session-wall-clock-seconds")
	bindFlag("session_provider_calls", "session-provider-calls")
	bindFlag("session_idle_ttl_seconds", "session-idle-ttl-seconds")
	bindFlag("session_max_turns", "session-max-turns")
	bindFlag("session_max_transcript_kb", "session-max-transcript-kb")
	bindFlag("max_sessions", "max-sessions")
	bindFlag("state_dir", "state-dir")
	bindFlag("debug", "debug")

	viper.SetEnvPrefix("REASONBRIDGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logging.New(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting", "version", config.Version, "workspace", cfg.WorkspaceRoot)

	fs, err := securefs.New(cfg.WorkspaceRoot, cfg.ExtraRoots, log)
	if err != nil {
		return fmt.Errorf("file access layer: %w", err)
	}

	// Provider chain: Anthropic first when a key is present, then the
	// OpenAI-compatible fallback. At least one credential is required.
	registry := provider.NewRegistry(log)
	if cfg.AnthropicAPIKey != "" {
		registry.Register(anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicModel))
	}
	if cfg.OpenAIAPIKey != "" {
		registry.Register(openaicompat.New(openaicompat.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}))
	}
	if registry.Len() == 0 {
		return fmt.Errorf("no provider credentials configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
	}
	orch := provider.NewOrchestrator(registry, provider.OrchestratorConfig{}, log)

	bus := notify.New()
	defer bus.Close()
	go logLifecycle(ctx, bus, log)

	store := session.NewStore(session.NewLockTable(), bus, log, session.StoreConfig{
		IdleTTL:            cfg.SessionIdleTTL,
		MaxTurns:           cfg.SessionMaxTurns,
		MaxTranscriptBytes: cfg.MaxTranscriptBytes,
	})
	go store.Run(ctx)

	conv := session.NewRuntime(store, fs, orch, log, session.RuntimeConfig{
		CallBudget:    cfg.CallBudget,
		WallClock:     cfg.SessionWallClock,
		ProviderCalls: cfg.SessionCalls,
	})
	var transcripts *archive.Store
	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		transcripts, err = archive.Open(ctx, filepath.Join(cfg.StateDir, "transcripts.db"), log)
		if err != nil {
			return fmt.Errorf("open transcript archive: %w", err)
		}
		defer transcripts.Close() //nolint:errcheck
		conv = conv.WithArchiver(transcripts)
	}

	oneshot := analysis.NewRuntime(fs, orch, log, cfg.CallBudget)
	tournaments := tournament.NewScheduler(fs, orch, log)

	checks := health.NewRegistry(
		health.NewMemoryCheck(0, 0),
		health.NewProviderCheck(orch),
		health.NewSessionCheck(store, cfg.MaxSessions),
	)
	if transcripts != nil {
		checks.Register(transcripts)
	}

	srv := mcpserver.NewServer(oneshot, conv, tournaments, checks, orch, config.Version, log)
	return srv.Run(ctx)
}

// logLifecycle mirrors session lifecycle events into the debug log.
func logLifecycle(ctx context.Context, bus *notify.Bus, log *slog.Logger) {
	events, unsub := bus.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Debug("session event", "type", string(ev.Type), "sessionId", ev.SessionID)
		}
	}
}
