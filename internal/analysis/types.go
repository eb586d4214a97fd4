// Package analysis holds the internal data model shared by every tool:
// code locations and scopes, findings, and the context packet the primary
// caller hands over so the deep reasoner does not repeat work. It also
// implements the single-shot analysis runtime and the tolerant parsing of
// model output into structured results.
package analysis

import (
	"fmt"
	"time"
)

// AnalysisType selects the reasoning strategy for an escalation.
type AnalysisType string

const (
	ExecutionTrace AnalysisType = "execution_trace"
	CrossSystem    AnalysisType = "cross_system"
	Performance    AnalysisType = "performance"
	HypothesisTest AnalysisType = "hypothesis_test"
)

// ParseAnalysisType validates a wire value.
func ParseAnalysisType(s string) (AnalysisType, error) {
	switch AnalysisType(s) {
	case ExecutionTrace, CrossSystem, Performance, HypothesisTest:
		return AnalysisType(s), nil
	}
	return "", fmt.Errorf("unknown analysis type %q", s)
}

// CodeLocation points into a source file. File is absolute or
// project-relative; Line is 1-based.
type CodeLocation struct {
	File         string `json:"file"`
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	FunctionName string `json:"functionName,omitempty"`
}

// CodeScope is the bounded region of source the caller authorizes for
// reading. Files must pass secure-reader validation before any open.
type CodeScope struct {
	Files        []string       `json:"files"`
	EntryPoints  []CodeLocation `json:"entryPoints,omitempty"`
	ServiceNames []string       `json:"serviceNames,omitempty"`
}

// FindingType categorizes a finding.
type FindingType string

const (
	FindingBug          FindingType = "bug"
	FindingPerformance  FindingType = "performance"
	FindingSecurity     FindingType = "security"
	FindingArchitecture FindingType = "architecture"
	FindingQuality      FindingType = "quality"
	FindingOther        FindingType = "other"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding is one structured observation extracted from model output.
type Finding struct {
	Type        FindingType   `json:"type"`
	Severity    Severity      `json:"severity"`
	Location    *CodeLocation `json:"location,omitempty"`
	Description string        `json:"description"`
	Evidence    []string      `json:"evidence,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"` // in [0,1]
}

// Context is the universal analysis input: what the primary caller already
// tried, where it got stuck, and the scope it authorizes.
type Context struct {
	AttemptedApproaches     []string  `json:"attemptedApproaches"`
	PartialFindings         []Finding `json:"partialFindings"`
	StuckPoints             []string  `json:"stuckPoints"`
	FocusArea               CodeScope `json:"focusArea"`
	AnalysisBudgetRemaining int       `json:"analysisBudgetRemaining"` // seconds
}

// Budget returns the per-call wall-clock budget, defaulting when unset.
func (c Context) Budget(def time.Duration) time.Duration {
	if c.AnalysisBudgetRemaining <= 0 {
		return def
	}
	return time.Duration(c.AnalysisBudgetRemaining) * time.Second
}

// Report is the shaped result of a single-shot escalation.
type Report struct {
	Findings        []Finding `json:"findings"`
	Recommendations []string  `json:"recommendations"`
	Confidence      float64   `json:"confidence"`
	ProviderUsed    string    `json:"providerUsed"`
	Model           string    `json:"model"`
}

// TraceStep is one hop in a reconstructed execution path.
type TraceStep struct {
	Location  *CodeLocation `json:"location,omitempty"`
	Operation string        `json:"operation"`
	DataFlow  string        `json:"dataFlow,omitempty"`
}

// Verdict is the outcome of a hypothesis test.
type Verdict string

const (
	VerdictSupported    Verdict = "supported"
	VerdictRefuted      Verdict = "refuted"
	VerdictInconclusive Verdict = "inconclusive"
)

// HypothesisResult is the shaped result of hypothesis_test.
type HypothesisResult struct {
	Verdict         Verdict  `json:"verdict"`
	Evidence        []string `json:"evidence"`
	CounterExamples []string `json:"counterExamples,omitempty"`
	ProviderUsed    string   `json:"providerUsed"`
}

// ImpactMatrix maps an impact type to its per-service assessment.
type ImpactMatrix struct {
	ImpactType string   `json:"impactType"`
	Affected   []string `json:"affected"`
	Details    string   `json:"details"`
}

// Bottleneck is one ranked performance suspect.
type Bottleneck struct {
	Rank        int           `json:"rank"`
	Location    *CodeLocation `json:"location,omitempty"`
	Description string        `json:"description"`
}

// Hypothesis is one candidate root-cause theory, either supplied by the
// caller or generated at the start of a tournament.
type Hypothesis struct {
	ID              string  `json:"id"`
	Statement       string  `json:"statement"`
	PriorConfidence float64 `json:"priorConfidence"` // in [0,1]
}
