package analysis

import (
	"fmt"
	"strings"
)

// Prompt builders for every reasoning call. System prompts set the role and
// the expected output shape; user prompts carry the caller's context packet
// and bounded file excerpts. Output-shape instructions match what the
// tolerant parser prefers (fenced JSON first, bullets second).

const baseSystemPrompt = "You are a deep code-reasoning engine assisting a lighter coding agent that has hit the limits of its own analysis. You receive the agent's attempted approaches, partial findings, stuck points, and relevant source files. Reason from the actual code, cite file:line evidence, and never repeat work the agent already did."

var systemPromptByType = map[AnalysisType]string{
	ExecutionTrace: baseSystemPrompt + " Trace the execution path precisely, one hop at a time.",
	CrossSystem:    baseSystemPrompt + " Focus on cross-service contracts, schemas, and hidden coupling.",
	Performance:    baseSystemPrompt + " Focus on algorithmic complexity, allocation pressure, and I/O patterns.",
	HypothesisTest: baseSystemPrompt + " Act as a skeptical reviewer: try to falsify the hypothesis before accepting it.",
}

// SystemPrompt returns the system prompt for an analysis type.
func SystemPrompt(t AnalysisType) string {
	if p, ok := systemPromptByType[t]; ok {
		return p
	}
	return baseSystemPrompt
}

// FileContent is one source file attached to a prompt, already read and
// truncated by the runtime.
type FileContent struct {
	Path      string
	Data      []byte
	Truncated bool
}

func writeContext(b *strings.Builder, c Context) {
	if len(c.AttemptedApproaches) > 0 {
		b.WriteString("## Already attempted (do not repeat)\n\n")
		for _, a := range c.AttemptedApproaches {
			fmt.Fprintf(b, "- %s\n", a)
		}
		b.WriteString("\n")
	}
	if len(c.PartialFindings) > 0 {
		b.WriteString("## Partial findings so far\n\n")
		for _, f := range c.PartialFindings {
			loc := ""
			if f.Location != nil {
				loc = fmt.Sprintf(" (%s:%d)", f.Location.File, f.Location.Line)
			}
			fmt.Fprintf(b, "- [%s/%s] %s%s\n", f.Type, f.Severity, f.Description, loc)
		}
		b.WriteString("\n")
	}
	if len(c.StuckPoints) > 0 {
		b.WriteString("## Where the agent is stuck\n\n")
		for _, s := range c.StuckPoints {
			fmt.Fprintf(b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
}

func writeFiles(b *strings.Builder, files []FileContent) {
	if len(files) == 0 {
		return
	}
	b.WriteString("## Source files\n\n")
	for _, f := range files {
		fmt.Fprintf(b, "### %s\n\n```\n%s\n```\n", f.Path, strings.TrimRight(string(f.Data), "\n"))
		if f.Truncated {
			b.WriteString("(file truncated)\n")
		}
		b.WriteString("\n")
	}
}

const findingsOutputShape = "Respond with a fenced ```json block of the form " +
	`{"findings": [{"type": "bug|performance|security|architecture|quality|other", "severity": "low|medium|high|critical", "description": "...", "location": {"file": "...", "line": 1}}], "recommendations": ["..."]}` +
	" followed by a short prose explanation ending with `Confidence: <0..1>`."

// EscalationPrompt builds the user prompt for the general escalation call.
func EscalationPrompt(c Context, stuck string, t AnalysisType, depth int, files []FileContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Escalated %s analysis (depth %d)\n\n", t, depth)
	fmt.Fprintf(&b, "%s\n\n", stuck)
	writeContext(&b, c)
	writeFiles(&b, files)
	b.WriteString(findingsOutputShape)
	return b.String()
}

// TracePrompt builds the user prompt for trace_execution_path.
func TracePrompt(entry CodeLocation, maxDepth int, includeDataFlow bool, files []FileContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Trace the execution path\n\nStart at %s:%d", entry.File, entry.Line)
	if entry.FunctionName != "" {
		fmt.Fprintf(&b, " (%s)", entry.FunctionName)
	}
	fmt.Fprintf(&b, " and follow at most %d call hops.\n\n", maxDepth)
	writeFiles(&b, files)
	b.WriteString("Respond with a numbered list, one step per line, each as `file:line operation`")
	if includeDataFlow {
		b.WriteString(" followed by ` -> <what data moves and how it transforms>`")
	}
	b.WriteString(".")
	return b.String()
}

// HypothesisPrompt builds the user prompt for hypothesis_test.
func HypothesisPrompt(hypothesis, testApproach string, files []FileContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Test this hypothesis against the code\n\nHypothesis: %s\n\nTest approach: %s\n\n", hypothesis, testApproach)
	writeFiles(&b, files)
	b.WriteString("Respond with a fenced ```json block of the form " +
		`{"verdict": "supported|refuted|inconclusive", "evidence": ["..."], "counterExamples": ["..."]}` +
		" followed by your reasoning.")
	return b.String()
}

// ImpactPrompt builds the user prompt for cross_system_impact.
func ImpactPrompt(scope CodeScope, impactTypes []string, files []FileContent) string {
	var b strings.Builder
	b.WriteString("# Assess cross-system impact of changing this scope\n\n")
	if len(scope.ServiceNames) > 0 {
		fmt.Fprintf(&b, "Services involved: %s\n\n", strings.Join(scope.ServiceNames, ", "))
	}
	writeFiles(&b, files)
	fmt.Fprintf(&b, "For each impact type (%s), write a `## <impact type>` section with bullet points naming the affected services and the concrete contract, schema, or behavior at risk.", strings.Join(impactTypes, ", "))
	return b.String()
}

// PerfPrompt builds the user prompt for performance_bottleneck.
func PerfPrompt(entry CodeLocation, suspectedIssues []string, profileDepth int, files []FileContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Find performance bottlenecks\n\nEntry point: %s:%d", entry.File, entry.Line)
	if entry.FunctionName != "" {
		fmt.Fprintf(&b, " (%s)", entry.FunctionName)
	}
	fmt.Fprintf(&b, "\nAnalysis depth: %d call levels.\n\n", profileDepth)
	if len(suspectedIssues) > 0 {
		b.WriteString("Suspected issues reported by the caller:\n")
		for _, s := range suspectedIssues {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	writeFiles(&b, files)
	b.WriteString("Respond with a `## Bottlenecks` section listing suspects as bullets in rank order, each with a `file:line` reference, then a `## Recommendations` section with concrete fixes.")
	return b.String()
}

// --- Tournament prompts ---

const tournamentSystemPrompt = baseSystemPrompt + " You are running a structured root-cause investigation: generate and compare competing hypotheses rather than committing to the first plausible one."

// TournamentSystemPrompt is used by every tournament call.
func TournamentSystemPrompt() string { return tournamentSystemPrompt }

// GenerationPrompt asks for candidate root-cause hypotheses.
func GenerationPrompt(c Context, issue string, maxHypotheses int, files []FileContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Generate root-cause hypotheses\n\nIssue under investigation: %s\n\n", issue)
	writeContext(&b, c)
	writeFiles(&b, files)
	fmt.Fprintf(&b, "Produce up to %d distinct, testable hypotheses. Respond with a fenced ```json block of the form "+
		`{"hypotheses": [{"statement": "...", "priorConfidence": 0.5}]}`+".", maxHypotheses)
	return b.String()
}

// ComparisonPrompt asks which of two hypotheses better explains the issue.
func ComparisonPrompt(issue string, a, b Hypothesis, files []FileContent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Compare two hypotheses\n\nIssue: %s\n\n", issue)
	fmt.Fprintf(&sb, "- %s: %s\n- %s: %s\n\n", a.ID, a.Statement, b.ID, b.Statement)
	writeFiles(&sb, files)
	fmt.Fprintf(&sb, "Test both against the code and declare exactly one winner. Respond with a fenced ```json block "+
		`{"winner": "%s" or "%s", "confidence": 0.0-1.0}`+" followed by the evidence for your choice.", a.ID, b.ID)
	return sb.String()
}

// SynthesisPrompt asks for the final report given the surviving hypotheses.
func SynthesisPrompt(issue string, survivors []Hypothesis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Synthesize the investigation\n\nIssue: %s\n\nSurviving hypotheses after elimination rounds:\n\n", issue)
	for _, h := range survivors {
		fmt.Fprintf(&b, "- %s: %s (confidence %.2f)\n", h.ID, h.Statement, h.PriorConfidence)
	}
	b.WriteString("\n" + findingsOutputShape)
	return b.String()
}
