package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Model output is markdown-ish prose with optional fenced JSON. Parsing is
// tolerant by construction: structured JSON wins when present, bullet lists
// are the next best source, and anything unrecognizable degrades to a single
// raw-text result rather than an error. A reasoning call that produced text
// never fails at the parsing stage.

var mdParser = goldmark.New(goldmark.WithExtensions(extension.GFM))

type codeBlock struct {
	lang string
	body string
}

type section struct {
	heading string // lowered heading text; "" before the first heading
	items   []string
	ordered bool
}

type docOutline struct {
	blocks   []codeBlock
	sections []section
}

// outline walks the markdown AST once and collects fenced code blocks and
// per-heading bullet items. Nested lists flatten into their parent section.
func outline(src []byte) docOutline {
	doc := mdParser.Parser().Parse(text.NewReader(src))

	var out docOutline
	out.sections = append(out.sections, section{heading: ""})
	cur := func() *section { return &out.sections[len(out.sections)-1] }

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Heading:
			out.sections = append(out.sections, section{heading: strings.ToLower(nodeText(v, src))})
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if v.IsOrdered() {
				cur().ordered = true
			}
			return ast.WalkContinue, nil
		case *ast.ListItem:
			if t := nodeText(v, src); t != "" {
				cur().items = append(cur().items, t)
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			var buf bytes.Buffer
			for i := 0; i < v.Lines().Len(); i++ {
				seg := v.Lines().At(i)
				buf.Write(seg.Value(src))
			}
			out.blocks = append(out.blocks, codeBlock{
				lang: strings.ToLower(string(v.Language(src))),
				body: buf.String(),
			})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return out
}

// nodeText concatenates the literal text under a node. Segments are raw
// source slices that keep their interior spacing, so they are joined with no
// separator; only line breaks become a single space.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := c.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// jsonBlocks returns fenced blocks that look like JSON, language-tagged or
// not.
func (d docOutline) jsonBlocks() []string {
	var out []string
	for _, b := range d.blocks {
		body := strings.TrimSpace(b.body)
		if b.lang == "json" || strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			out = append(out, body)
		}
	}
	return out
}

func (d docOutline) itemsUnder(keyword string) []string {
	var out []string
	for _, s := range d.sections {
		if strings.Contains(s.heading, keyword) {
			out = append(out, s.items...)
		}
	}
	return out
}

func (d docOutline) itemsNotUnder(keywords ...string) []string {
	var out []string
	for _, s := range d.sections {
		skip := false
		for _, kw := range keywords {
			if strings.Contains(s.heading, kw) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, s.items...)
		}
	}
	return out
}

// --- Findings ---

var locationRe = regexp.MustCompile(`([\w./\\-]+\.[A-Za-z]\w*):(\d+)`)

// ParseFindings extracts structured findings from model output. JSON wins,
// then bullet lists, then a single catch-all finding wrapping the raw text.
func ParseFindings(raw string) []Finding {
	d := outline([]byte(raw))

	for _, body := range d.jsonBlocks() {
		if fs := decodeFindings(body); len(fs) > 0 {
			return fs
		}
	}

	var findings []Finding
	for _, item := range d.itemsNotUnder("recommend", "next step") {
		findings = append(findings, findingFromText(item))
	}
	if len(findings) > 0 {
		return findings
	}

	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		return []Finding{{Type: FindingOther, Severity: SeverityMedium, Description: trimmed}}
	}
	return nil
}

func decodeFindings(body string) []Finding {
	var direct []Finding
	if err := json.Unmarshal([]byte(body), &direct); err == nil {
		return sanitizeFindings(direct)
	}
	var wrapped struct {
		Findings []Finding `json:"findings"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err == nil {
		return sanitizeFindings(wrapped.Findings)
	}
	return nil
}

func sanitizeFindings(in []Finding) []Finding {
	var out []Finding
	for _, f := range in {
		if strings.TrimSpace(f.Description) == "" {
			continue
		}
		if f.Type == "" {
			f.Type = detectFindingType(f.Description)
		}
		if f.Severity == "" {
			f.Severity = detectSeverity(f.Description)
		}
		out = append(out, f)
	}
	return out
}

func findingFromText(item string) Finding {
	f := Finding{
		Type:        detectFindingType(item),
		Severity:    detectSeverity(item),
		Description: item,
	}
	if m := locationRe.FindStringSubmatch(item); m != nil {
		line, _ := strconv.Atoi(m[2])
		f.Location = &CodeLocation{File: m[1], Line: line}
	}
	return f
}

func detectFindingType(s string) FindingType {
	low := strings.ToLower(s)
	switch {
	case containsAny(low, "security", "vulnerab", "injection", "unsanitized", "privilege"):
		return FindingSecurity
	case containsAny(low, "performance", "slow", "latency", "n+1", "allocation", "throughput"):
		return FindingPerformance
	case containsAny(low, "bug", "crash", "panic", "race", "deadlock", "nil pointer", "off-by-one", "leak"):
		return FindingBug
	case containsAny(low, "architect", "coupling", "layering", "circular dependency", "design"):
		return FindingArchitecture
	case containsAny(low, "readab", "naming", "duplicat", "dead code", "style"):
		return FindingQuality
	}
	return FindingOther
}

func detectSeverity(s string) Severity {
	low := strings.ToLower(s)
	switch {
	case containsAny(low, "critical", "data loss", "corrupt"):
		return SeverityCritical
	case containsAny(low, "high", "severe", "crash", "panic", "deadlock"):
		return SeverityHigh
	case containsAny(low, "low", "minor", "cosmetic", "nit"):
		return SeverityLow
	}
	return SeverityMedium
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// --- Recommendations ---

// ParseRecommendations pulls actionable next steps: from JSON when present,
// otherwise from bullets under a "recommendations"-like heading.
func ParseRecommendations(raw string) []string {
	d := outline([]byte(raw))

	for _, body := range d.jsonBlocks() {
		var wrapped struct {
			Recommendations []string `json:"recommendations"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err == nil && len(wrapped.Recommendations) > 0 {
			return wrapped.Recommendations
		}
	}

	var out []string
	for _, item := range d.itemsUnder("recommend") {
		out = append(out, item)
	}
	for _, item := range d.itemsUnder("next step") {
		out = append(out, item)
	}
	return out
}

// --- Confidence ---

var confidenceRe = regexp.MustCompile(`(?i)confidence[:\s]+([0-9]*\.?[0-9]+)\s*(%?)`)

// ParseConfidence scans for a self-reported confidence value, normalized to
// [0,1]. Returns def when none is found.
func ParseConfidence(raw string, def float64) float64 {
	m := confidenceRe.FindStringSubmatch(raw)
	if m == nil {
		return def
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return def
	}
	if m[2] == "%" || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return def
	}
	return v
}

// --- Hypotheses ---

var priorRe = regexp.MustCompile(`(?i)\(?\s*(?:prior|confidence)[:\s]+([0-9]*\.?[0-9]+)\s*(%?)\s*\)?`)

// ParseHypotheses extracts candidate theories from a generation call. Each
// gets a stable sequential ID; a trailing "(confidence: 0.7)" annotation
// becomes the prior, defaulting to 0.5.
func ParseHypotheses(raw string) []Hypothesis {
	d := outline([]byte(raw))

	for _, body := range d.jsonBlocks() {
		if hs := decodeHypotheses(body); len(hs) > 0 {
			return hs
		}
	}

	var out []Hypothesis
	for _, s := range d.sections {
		for _, item := range s.items {
			out = append(out, hypothesisFromText(len(out)+1, item))
		}
	}
	return out
}

func decodeHypotheses(body string) []Hypothesis {
	var direct []Hypothesis
	if err := json.Unmarshal([]byte(body), &direct); err == nil {
		return sanitizeHypotheses(direct)
	}
	var wrapped struct {
		Hypotheses []Hypothesis `json:"hypotheses"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err == nil {
		return sanitizeHypotheses(wrapped.Hypotheses)
	}
	return nil
}

func sanitizeHypotheses(in []Hypothesis) []Hypothesis {
	var out []Hypothesis
	for _, h := range in {
		if strings.TrimSpace(h.Statement) == "" {
			continue
		}
		if h.ID == "" {
			h.ID = fmt.Sprintf("h%d", len(out)+1)
		}
		if h.PriorConfidence <= 0 || h.PriorConfidence > 1 {
			h.PriorConfidence = 0.5
		}
		out = append(out, h)
	}
	return out
}

func hypothesisFromText(n int, item string) Hypothesis {
	h := Hypothesis{ID: fmt.Sprintf("h%d", n), Statement: item, PriorConfidence: 0.5}
	if m := priorRe.FindStringSubmatch(item); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if m[2] == "%" || v > 1 {
				v /= 100
			}
			if v > 0 && v <= 1 {
				h.PriorConfidence = v
				h.Statement = strings.TrimSpace(strings.Replace(item, m[0], "", 1))
			}
		}
	}
	return h
}

// --- Verdicts ---

// ParseVerdict determines the outcome of a hypothesis test. JSON verdicts
// win; otherwise the first decisive keyword in the text decides, and absent
// any signal the verdict is inconclusive.
func ParseVerdict(raw string) HypothesisResult {
	d := outline([]byte(raw))

	for _, body := range d.jsonBlocks() {
		var res HypothesisResult
		if err := json.Unmarshal([]byte(body), &res); err == nil && validVerdict(res.Verdict) {
			return res
		}
	}

	res := HypothesisResult{Verdict: detectVerdict(raw)}
	res.Evidence = d.itemsUnder("evidence")
	res.CounterExamples = d.itemsUnder("counter")
	if len(res.Evidence) == 0 {
		// Any remaining bullets count as evidence for the stated verdict.
		res.Evidence = d.itemsNotUnder("counter")
	}
	return res
}

func validVerdict(v Verdict) bool {
	return v == VerdictSupported || v == VerdictRefuted || v == VerdictInconclusive
}

func detectVerdict(raw string) Verdict {
	low := strings.ToLower(raw)
	// Negated forms first so "not supported" does not read as supported.
	switch {
	case containsAny(low, "not supported", "unsupported", "refuted", "disproven", "disproved", "contradicted"):
		return VerdictRefuted
	case containsAny(low, "supported", "confirmed", "validated", "holds up"):
		return VerdictSupported
	}
	return VerdictInconclusive
}

// --- Trace steps ---

// ParseTraceSteps reconstructs an execution path from model output. Ordered
// list items map to steps; a "file.go:123" reference becomes the location
// and an "->" arrow splits operation from data flow.
func ParseTraceSteps(raw string) []TraceStep {
	d := outline([]byte(raw))

	for _, body := range d.jsonBlocks() {
		var direct []TraceStep
		if err := json.Unmarshal([]byte(body), &direct); err == nil && len(direct) > 0 {
			return direct
		}
		var wrapped struct {
			Steps []TraceStep `json:"steps"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err == nil && len(wrapped.Steps) > 0 {
			return wrapped.Steps
		}
	}

	var steps []TraceStep
	for _, s := range d.sections {
		if !s.ordered && len(d.sections) > 1 {
			continue
		}
		for _, item := range s.items {
			steps = append(steps, traceStepFromText(item))
		}
		if len(steps) > 0 {
			break
		}
	}
	if len(steps) == 0 {
		// No list structure at all: treat each non-empty line as a step.
		for _, line := range strings.Split(raw, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				steps = append(steps, traceStepFromText(line))
			}
		}
	}
	return steps
}

var listMarkerRe = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)

func traceStepFromText(item string) TraceStep {
	item = listMarkerRe.ReplaceAllString(item, "")
	step := TraceStep{Operation: item}
	if m := locationRe.FindStringSubmatch(item); m != nil {
		line, _ := strconv.Atoi(m[2])
		step.Location = &CodeLocation{File: m[1], Line: line}
	}
	if op, flow, ok := strings.Cut(item, "->"); ok {
		step.Operation = strings.TrimSpace(op)
		step.DataFlow = strings.TrimSpace(flow)
	}
	return step
}

// --- Impact matrix ---

// ParseImpact shapes output into one matrix row per requested impact type.
// A section headed by the impact type supplies that row's details; service
// names mentioned in the relevant text populate Affected.
func ParseImpact(raw string, impactTypes, services []string) []ImpactMatrix {
	d := outline([]byte(raw))

	var out []ImpactMatrix
	for _, it := range impactTypes {
		row := ImpactMatrix{ImpactType: it}
		scope := raw
		if items := d.itemsUnder(strings.ToLower(it)); len(items) > 0 {
			row.Details = strings.Join(items, "; ")
			scope = row.Details
		}
		low := strings.ToLower(scope)
		for _, svc := range services {
			if svc != "" && strings.Contains(low, strings.ToLower(svc)) {
				row.Affected = append(row.Affected, svc)
			}
		}
		out = append(out, row)
	}
	return out
}

// --- Bottlenecks ---

// ParseBottlenecks extracts ranked performance suspects. List order is rank
// order; prose degrades to a single entry.
func ParseBottlenecks(raw string) []Bottleneck {
	d := outline([]byte(raw))

	for _, body := range d.jsonBlocks() {
		var direct []Bottleneck
		if err := json.Unmarshal([]byte(body), &direct); err == nil && len(direct) > 0 {
			return rankBottlenecks(direct)
		}
		var wrapped struct {
			Bottlenecks []Bottleneck `json:"bottlenecks"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err == nil && len(wrapped.Bottlenecks) > 0 {
			return rankBottlenecks(wrapped.Bottlenecks)
		}
	}

	var out []Bottleneck
	for _, s := range d.sections {
		if strings.Contains(s.heading, "recommend") {
			continue
		}
		for _, item := range s.items {
			b := Bottleneck{Rank: len(out) + 1, Description: item}
			if m := locationRe.FindStringSubmatch(item); m != nil {
				line, _ := strconv.Atoi(m[2])
				b.Location = &CodeLocation{File: m[1], Line: line}
			}
			out = append(out, b)
		}
	}
	if len(out) > 0 {
		return out
	}

	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		return []Bottleneck{{Rank: 1, Description: trimmed}}
	}
	return nil
}

func rankBottlenecks(in []Bottleneck) []Bottleneck {
	for i := range in {
		if in[i].Rank == 0 {
			in[i].Rank = i + 1
		}
	}
	return in
}

// --- Tournament pair winner ---

var winnerRe = regexp.MustCompile(`(?i)winner[:\s]+\*{0,2}([\w-]+)`)

// ParseWinner resolves which of two hypotheses a comparison call favored.
// It accepts a JSON {"winner": "<id>"} block, a "Winner: <id>" line, or a
// mention of exactly one contender's ID. The second return is false when
// the text names neither or both.
func ParseWinner(raw string, a, b Hypothesis) (string, bool) {
	d := outline([]byte(raw))

	for _, body := range d.jsonBlocks() {
		var wrapped struct {
			Winner string `json:"winner"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err == nil {
			if id, ok := matchContender(wrapped.Winner, a, b); ok {
				return id, true
			}
		}
	}

	if m := winnerRe.FindStringSubmatch(raw); m != nil {
		if id, ok := matchContender(m[1], a, b); ok {
			return id, true
		}
	}

	low := strings.ToLower(raw)
	mentionsA := strings.Contains(low, strings.ToLower(a.ID))
	mentionsB := strings.Contains(low, strings.ToLower(b.ID))
	if mentionsA != mentionsB {
		if mentionsA {
			return a.ID, true
		}
		return b.ID, true
	}
	return "", false
}

func matchContender(s string, a, b Hypothesis) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case strings.ToLower(a.ID):
		return a.ID, true
	case strings.ToLower(b.ID):
		return b.ID, true
	}
	return "", false
}
