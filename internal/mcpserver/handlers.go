package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reasonbridge/reasonbridge/internal/analysis"
	"github.com/reasonbridge/reasonbridge/internal/errs"
	"github.com/reasonbridge/reasonbridge/internal/params"
	"github.com/reasonbridge/reasonbridge/internal/provider"
	"github.com/reasonbridge/reasonbridge/internal/session"
	"github.com/reasonbridge/reasonbridge/internal/tournament"
)

// resultJSON marshals v as the tool result payload.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders a taxonomy error as a structured tool error carrying
// the stable code, the kind, and any structured details.
func errorResult(err error) *mcp.CallToolResult {
	kind := errs.KindOf(err)
	payload := map[string]any{
		"code":      kind.Code(),
		"kind":      string(kind),
		"message":   err.Error(),
		"retryable": kind.Retryable(),
	}
	if data := errs.DataOf(err); len(data) > 0 {
		payload["data"] = data
	}
	b, merr := json.Marshal(payload)
	if merr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(b))
}

// decode binds the raw wire arguments and validates them against the tool's
// published schema. Schema violations stay in the decoder so they combine
// with field-level problems into one composite error.
func decode(req mcp.CallToolRequest, schema *jsonschema.Schema) (*params.Decoder, *mcp.CallToolResult) {
	var args map[string]any
	if err := req.BindArguments(&args); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err))
	}
	d := params.NewDecoder(args)
	d.CheckSchema(schema)
	return d, nil
}

// --- One-shot analysis tools ---

func (s *Server) handleEscalateAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, escalateAnalysisArgs)
	if fail != nil {
		return fail, nil
	}

	in := analysis.EscalateInput{
		Context:      params.AnalysisContext(d),
		AnalysisType: params.AnalysisType(d),
		DepthLevel:   d.IntIn("depth_level", 3, 1, 5),
		TimeBudget:   params.TimeBudget(d),
	}
	in.StuckDescription = strings.Join(in.Context.StuckPoints, "\n")
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	report, err := s.oneshot.Escalate(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(report)
}

func (s *Server) handleTraceExecutionPath(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, traceExecutionPathArgs)
	if fail != nil {
		return fail, nil
	}

	var entry analysis.CodeLocation
	d.Object("entry_point", true, &entry)
	in := analysis.TraceInput{
		EntryPoint:      entry,
		MaxDepth:        d.IntIn("max_depth", 5, 1, 50),
		IncludeDataFlow: d.Bool("include_data_flow", true),
	}
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	res, err := s.oneshot.Trace(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(res)
}

func (s *Server) handleHypothesisTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, hypothesisTestArgs)
	if fail != nil {
		return fail, nil
	}

	var scope analysis.CodeScope
	d.Object("code_scope", true, &scope)
	in := analysis.HypothesisInput{
		Hypothesis:   d.String("hypothesis", true),
		Scope:        scope,
		TestApproach: d.String("test_approach", true),
	}
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	res, err := s.oneshot.TestHypothesis(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(res)
}

func (s *Server) handleCrossSystemImpact(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, crossSystemImpactArgs)
	if fail != nil {
		return fail, nil
	}

	var scope analysis.CodeScope
	d.Object("change_scope", true, &scope)
	in := analysis.ImpactInput{
		ChangeScope: scope,
		ImpactTypes: d.StringList("impact_types", true),
	}
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	res, err := s.oneshot.CrossSystemImpact(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(res)
}

// codePathArgs is the wire shape of performance_bottleneck's code_path field.
type codePathArgs struct {
	EntryPoint      analysis.CodeLocation `json:"entryPoint"`
	SuspectedIssues []string              `json:"suspectedIssues,omitempty"`
}

func (s *Server) handlePerformanceBottleneck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, performanceBottleneckArgs)
	if fail != nil {
		return fail, nil
	}

	var cp codePathArgs
	d.Object("code_path", true, &cp)
	in := analysis.PerfInput{
		EntryPoint:      cp.EntryPoint,
		SuspectedIssues: cp.SuspectedIssues,
		ProfileDepth:    d.IntIn("profile_depth", 3, 1, 5),
	}
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	res, err := s.oneshot.PerformanceBottleneck(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(res)
}

// --- Conversational tools ---

func (s *Server) handleStartConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, startConversationArgs)
	if fail != nil {
		return fail, nil
	}

	// start_conversation carries the scope as a bare file list rather than a
	// code_scope object; everything else matches the escalation packet.
	var c analysis.Context
	c.AttemptedApproaches = d.StringList("attempted_approaches", true)
	d.Object("partial_findings", true, &c.PartialFindings)
	c.StuckPoints = d.StringList("stuck_description", true)
	c.FocusArea.Files = d.StringList("code_scope_files", true)

	in := session.StartInput{
		Context:         c,
		AnalysisType:    params.AnalysisType(d),
		InitialQuestion: d.String("initial_question", false),
	}
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	res, err := s.conv.Start(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(res)
}

// continueResult is the answer to continue_conversation.
type continueResult struct {
	SessionID string         `json:"sessionId"`
	Reply     string         `json:"reply"`
	TurnCount int            `json:"turnCount"`
	Status    session.Status `json:"status"`
}

func (s *Server) handleContinueConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, continueConversationArgs)
	if fail != nil {
		return fail, nil
	}

	id := d.String("session_id", true)
	message := d.String("message", true)
	includeSnippets := d.Bool("include_code_snippets", false)
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	reply, err := s.conv.Continue(ctx, id, message, includeSnippets)
	if err != nil {
		return errorResult(err), nil
	}

	out := continueResult{SessionID: id, Reply: reply}
	if view, verr := s.conv.StatusOf(id); verr == nil {
		out.TurnCount = view.TurnCount
		out.Status = view.Status
	}
	return resultJSON(out)
}

func (s *Server) handleFinalizeConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, finalizeConversationArgs)
	if fail != nil {
		return fail, nil
	}

	id := d.String("session_id", true)
	format, perr := session.ParseSummaryFormat(d.String("summary_format", false))
	if perr != nil {
		d.Invalid("summary_format", perr.Error())
	}
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	report, err := s.conv.Finalize(ctx, id, format)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(report)
}

func (s *Server) handleGetConversationStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, getConversationStatusArgs)
	if fail != nil {
		return fail, nil
	}

	id := d.String("session_id", true)
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	view, err := s.conv.StatusOf(id)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(view)
}

// --- Tournament ---

// tournamentConfigArgs is the wire shape of the tournament_config field.
type tournamentConfigArgs struct {
	MaxHypotheses    int `json:"max_hypotheses"`
	MaxRounds        int `json:"max_rounds"`
	ParallelSessions int `json:"parallel_sessions"`
}

func (s *Server) handleRunHypothesisTournament(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, runHypothesisTournamentArgs)
	if fail != nil {
		return fail, nil
	}

	c := params.AnalysisContext(d)
	issue := d.String("issue", true)
	var tc tournamentConfigArgs
	d.Object("tournament_config", false, &tc)
	wallClock := params.TimeBudget(d)
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	in := tournament.Input{
		Context: c,
		Issue:   issue,
		Config: tournament.Config{
			MaxHypotheses:    tc.MaxHypotheses,
			MaxRounds:        tc.MaxRounds,
			ParallelSessions: tc.ParallelSessions,
		},
		Budget: tournament.Budget{WallClock: wallClock},
	}
	res, err := s.tournaments.Run(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(res)
}

// --- Diagnostics ---

func (s *Server) handleHealthCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, healthCheckArgs)
	if fail != nil {
		return fail, nil
	}

	name := d.String("check_name", false)
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	results, err := s.checks.Run(ctx, name)
	if err != nil {
		return errorResult(err), nil
	}
	return resultJSON(map[string]any{"checks": results})
}

func (s *Server) handleHealthSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, healthSummaryArgs)
	if fail != nil {
		return fail, nil
	}

	includeDetails := d.Bool("include_details", false)
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}
	return resultJSON(s.checks.Summarize(ctx, includeDetails))
}

// modelInfoResult is the answer to get_model_info.
type modelInfoResult struct {
	Active    string            `json:"active,omitempty"`
	Chain     []string          `json:"chain"`
	Providers []provider.Health `json:"providers"`
}

func (s *Server) handleGetModelInfo(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chain := s.orch.Health()
	info := modelInfoResult{Chain: s.orch.Registry().Names(), Providers: chain}
	for _, h := range chain {
		if h.Healthy && h.Breaker.State == provider.BreakerClosed {
			info.Active = h.Name
			break
		}
	}
	return resultJSON(info)
}

func (s *Server) handleSetModel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, fail := decode(req, setModelArgs)
	if fail != nil {
		return fail, nil
	}

	model := d.String("model", true)
	if err := d.Err(); err != nil {
		return errorResult(err), nil
	}

	if err := s.orch.Registry().Prefer(model); err != nil {
		return errorResult(err), nil
	}
	s.log.Info("provider preference set", "provider", model)
	return resultJSON(map[string]any{"active": model, "chain": s.orch.Registry().Names()})
}
