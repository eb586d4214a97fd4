package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/reasonbridge/reasonbridge/internal/errs"
	"github.com/reasonbridge/reasonbridge/internal/provider"
	"github.com/reasonbridge/reasonbridge/internal/securefs"
)

const (
	// DefaultCallBudget bounds a single reasoning call when the caller does
	// not supply its own budget.
	DefaultCallBudget = 60 * time.Second

	defaultMaxFileBytes = 48 << 10
	defaultMaxTraceHops = 5
	defaultProfileDepth = 3
)

// Caller is the slice of the orchestrator the runtimes need.
type Caller interface {
	Call(ctx context.Context, req provider.Request) (provider.Response, error)
}

// Runtime implements the stateless analysis tools: one validated file read
// pass, one provider call, one shaping pass. It never creates sessions.
type Runtime struct {
	fs           *securefs.Reader
	orch         Caller
	log          *slog.Logger
	budget       time.Duration
	maxFileBytes int
}

// NewRuntime wires a Runtime. budget <= 0 selects DefaultCallBudget.
func NewRuntime(fs *securefs.Reader, orch Caller, log *slog.Logger, budget time.Duration) *Runtime {
	if budget <= 0 {
		budget = DefaultCallBudget
	}
	return &Runtime{
		fs:           fs,
		orch:         orch,
		log:          log.With("component", "analysis"),
		budget:       budget,
		maxFileBytes: defaultMaxFileBytes,
	}
}

// loadScope validates every file in the scope up front, then reads each one
// truncated to maxFileBytes. Validation failures abort before any open;
// a file that validates but fails to read is skipped with a warning so a
// single unreadable file does not sink the whole call.
func (r *Runtime) loadScope(files []string) ([]FileContent, error) {
	if err := r.fs.ValidateAll(files); err != nil {
		return nil, err
	}
	var out []FileContent
	for _, f := range files {
		data, err := r.fs.Read(f)
		if err != nil {
			r.log.Warn("skipping unreadable scope file", "path", f, "error", err)
			continue
		}
		fc := FileContent{Path: f, Data: data}
		if len(data) > r.maxFileBytes {
			fc.Data = data[:r.maxFileBytes]
			fc.Truncated = true
		}
		out = append(out, fc)
	}
	return out, nil
}

func (r *Runtime) call(ctx context.Context, budget time.Duration, system, prompt string) (provider.Response, error) {
	if budget <= 0 {
		budget = r.budget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return r.orch.Call(ctx, provider.Request{System: system, Prompt: prompt})
}

// --- escalate_analysis ---

// EscalateInput carries the validated arguments of escalate_analysis.
type EscalateInput struct {
	Context          Context
	StuckDescription string
	AnalysisType     AnalysisType
	DepthLevel       int
	TimeBudget       time.Duration
}

// Escalate runs the general-purpose deep analysis call.
func (r *Runtime) Escalate(ctx context.Context, in EscalateInput) (*Report, error) {
	if in.StuckDescription == "" {
		return nil, errs.New(errs.Validation, "stuck description is required")
	}
	files, err := r.loadScope(in.Context.FocusArea.Files)
	if err != nil {
		return nil, err
	}

	prompt := EscalationPrompt(in.Context, in.StuckDescription, in.AnalysisType, in.DepthLevel, files)
	resp, err := r.call(ctx, in.TimeBudget, SystemPrompt(in.AnalysisType), prompt)
	if err != nil {
		return nil, err
	}

	return &Report{
		Findings:        ParseFindings(resp.Text),
		Recommendations: ParseRecommendations(resp.Text),
		Confidence:      ParseConfidence(resp.Text, 0.5),
		ProviderUsed:    resp.Provider,
		Model:           resp.Model,
	}, nil
}

// --- trace_execution_path ---

// TraceInput carries the validated arguments of trace_execution_path.
type TraceInput struct {
	EntryPoint      CodeLocation
	MaxDepth        int
	IncludeDataFlow bool
}

// TraceResult is the shaped result of trace_execution_path.
type TraceResult struct {
	Steps        []TraceStep `json:"steps"`
	ProviderUsed string      `json:"providerUsed"`
}

// Trace reconstructs the execution path from an entry point.
func (r *Runtime) Trace(ctx context.Context, in TraceInput) (*TraceResult, error) {
	if in.EntryPoint.File == "" {
		return nil, errs.New(errs.Validation, "entry point file is required")
	}
	if in.MaxDepth <= 0 {
		in.MaxDepth = defaultMaxTraceHops
	}
	files, err := r.loadScope([]string{in.EntryPoint.File})
	if err != nil {
		return nil, err
	}

	prompt := TracePrompt(in.EntryPoint, in.MaxDepth, in.IncludeDataFlow, files)
	resp, err := r.call(ctx, 0, SystemPrompt(ExecutionTrace), prompt)
	if err != nil {
		return nil, err
	}

	steps := ParseTraceSteps(resp.Text)
	if len(steps) > in.MaxDepth {
		steps = steps[:in.MaxDepth]
	}
	return &TraceResult{Steps: steps, ProviderUsed: resp.Provider}, nil
}

// --- hypothesis_test ---

// HypothesisInput carries the validated arguments of hypothesis_test.
type HypothesisInput struct {
	Hypothesis   string
	Scope        CodeScope
	TestApproach string
}

// TestHypothesis checks one theory against the authorized code scope.
func (r *Runtime) TestHypothesis(ctx context.Context, in HypothesisInput) (*HypothesisResult, error) {
	if in.Hypothesis == "" {
		return nil, errs.New(errs.Validation, "hypothesis is required")
	}
	files, err := r.loadScope(in.Scope.Files)
	if err != nil {
		return nil, err
	}

	prompt := HypothesisPrompt(in.Hypothesis, in.TestApproach, files)
	resp, err := r.call(ctx, 0, SystemPrompt(HypothesisTest), prompt)
	if err != nil {
		return nil, err
	}

	res := ParseVerdict(resp.Text)
	res.ProviderUsed = resp.Provider
	return &res, nil
}

// --- cross_system_impact ---

// ImpactInput carries the validated arguments of cross_system_impact.
type ImpactInput struct {
	ChangeScope CodeScope
	ImpactTypes []string
}

// ImpactResult is the shaped result of cross_system_impact.
type ImpactResult struct {
	Matrix       []ImpactMatrix `json:"matrix"`
	Summary      string         `json:"summary"`
	ProviderUsed string         `json:"providerUsed"`
}

const maxImpactSummaryBytes = 4000

// CrossSystemImpact assesses a change scope against the requested impact
// types.
func (r *Runtime) CrossSystemImpact(ctx context.Context, in ImpactInput) (*ImpactResult, error) {
	if len(in.ChangeScope.Files) == 0 {
		return nil, errs.New(errs.Validation, "change scope must name at least one file")
	}
	if len(in.ImpactTypes) == 0 {
		return nil, errs.New(errs.Validation, "at least one impact type is required")
	}
	files, err := r.loadScope(in.ChangeScope.Files)
	if err != nil {
		return nil, err
	}

	prompt := ImpactPrompt(in.ChangeScope, in.ImpactTypes, files)
	resp, err := r.call(ctx, 0, SystemPrompt(CrossSystem), prompt)
	if err != nil {
		return nil, err
	}

	summary := resp.Text
	if len(summary) > maxImpactSummaryBytes {
		summary = summary[:maxImpactSummaryBytes]
	}
	return &ImpactResult{
		Matrix:       ParseImpact(resp.Text, in.ImpactTypes, in.ChangeScope.ServiceNames),
		Summary:      summary,
		ProviderUsed: resp.Provider,
	}, nil
}

// --- performance_bottleneck ---

// PerfInput carries the validated arguments of performance_bottleneck.
type PerfInput struct {
	EntryPoint      CodeLocation
	SuspectedIssues []string
	ProfileDepth    int
}

// PerfResult is the shaped result of performance_bottleneck.
type PerfResult struct {
	Bottlenecks     []Bottleneck `json:"bottlenecks"`
	Recommendations []string     `json:"recommendations"`
	ProviderUsed    string       `json:"providerUsed"`
}

// PerformanceBottleneck finds ranked performance suspects from an entry
// point.
func (r *Runtime) PerformanceBottleneck(ctx context.Context, in PerfInput) (*PerfResult, error) {
	if in.EntryPoint.File == "" {
		return nil, errs.New(errs.Validation, "code path entry point is required")
	}
	if in.ProfileDepth <= 0 {
		in.ProfileDepth = defaultProfileDepth
	}
	files, err := r.loadScope([]string{in.EntryPoint.File})
	if err != nil {
		return nil, err
	}

	prompt := PerfPrompt(in.EntryPoint, in.SuspectedIssues, in.ProfileDepth, files)
	resp, err := r.call(ctx, 0, SystemPrompt(Performance), prompt)
	if err != nil {
		return nil, err
	}

	return &PerfResult{
		Bottlenecks:     ParseBottlenecks(resp.Text),
		Recommendations: ParseRecommendations(resp.Text),
		ProviderUsed:    resp.Provider,
	}, nil
}
