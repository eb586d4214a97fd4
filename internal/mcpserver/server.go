// Package mcpserver exposes the analysis runtimes as typed MCP tools over
// stdio JSON-RPC. It owns the wire boundary: every tool publishes a flat
// snake_case JSON Schema, arguments are validated against that same schema,
// and taxonomy errors are rendered with their stable codes and structured
// details. Nothing past this package sees wire field names.
package mcpserver

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/reasonbridge/reasonbridge/internal/analysis"
	"github.com/reasonbridge/reasonbridge/internal/health"
	"github.com/reasonbridge/reasonbridge/internal/provider"
	"github.com/reasonbridge/reasonbridge/internal/session"
	"github.com/reasonbridge/reasonbridge/internal/tournament"
)

// Server routes tool calls to the runtimes behind them.
type Server struct {
	oneshot     *analysis.Runtime
	conv        *session.Runtime
	tournaments *tournament.Scheduler
	checks      *health.Registry
	orch        *provider.Orchestrator
	log         *slog.Logger
	version     string
}

// NewServer wires the runtimes into a dispatcher.
func NewServer(
	oneshot *analysis.Runtime,
	conv *session.Runtime,
	tournaments *tournament.Scheduler,
	checks *health.Registry,
	orch *provider.Orchestrator,
	version string,
	logger *slog.Logger,
) *Server {
	return &Server{
		oneshot:     oneshot,
		conv:        conv,
		tournaments: tournaments,
		checks:      checks,
		orch:        orch,
		log:         logger.With("component", "mcpserver"),
		version:     version,
	}
}

// Run starts the MCP stdio server. It blocks until the context is cancelled
// or stdin is closed. Stdout carries only protocol frames; all logging goes
// to stderr.
func (s *Server) Run(ctx context.Context) error {
	mcpServer := server.NewMCPServer(
		"reasonbridge",
		s.version,
		server.WithToolCapabilities(true),
	)

	tools := []server.ServerTool{
		{Tool: escalateAnalysisTool(), Handler: s.handleEscalateAnalysis},
		{Tool: traceExecutionPathTool(), Handler: s.handleTraceExecutionPath},
		{Tool: hypothesisTestTool(), Handler: s.handleHypothesisTest},
		{Tool: crossSystemImpactTool(), Handler: s.handleCrossSystemImpact},
		{Tool: performanceBottleneckTool(), Handler: s.handlePerformanceBottleneck},
		{Tool: startConversationTool(), Handler: s.handleStartConversation},
		{Tool: continueConversationTool(), Handler: s.handleContinueConversation},
		{Tool: finalizeConversationTool(), Handler: s.handleFinalizeConversation},
		{Tool: getConversationStatusTool(), Handler: s.handleGetConversationStatus},
		{Tool: runHypothesisTournamentTool(), Handler: s.handleRunHypothesisTournament},
		{Tool: healthCheckTool(), Handler: s.handleHealthCheck},
		{Tool: healthSummaryTool(), Handler: s.handleHealthSummary},
		{Tool: getModelInfoTool(), Handler: s.handleGetModelInfo},
		{Tool: setModelTool(), Handler: s.handleSetModel},
	}
	mcpServer.AddTools(tools...)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	s.log.Info("listening on stdio", "tools", len(tools), "version", s.version)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
