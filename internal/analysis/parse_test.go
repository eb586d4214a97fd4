package analysis

import (
	"testing"
)

func TestParseFindings_JSONBlock(t *testing.T) {
	raw := "Here is what I found:\n\n```json\n{\"findings\": [\n" +
		"{\"type\": \"bug\", \"severity\": \"high\", \"description\": \"nil map write in the reaper\", \"location\": {\"file\": \"store.go\", \"line\": 41}},\n" +
		"{\"description\": \"handler leaks the response body\"}\n" +
		"]}\n```\n"

	fs := ParseFindings(raw)
	if len(fs) != 2 {
		t.Fatalf("got %d findings, want 2", len(fs))
	}
	if fs[0].Type != FindingBug || fs[0].Severity != SeverityHigh {
		t.Errorf("first finding = %+v", fs[0])
	}
	if fs[0].Location == nil || fs[0].Location.File != "store.go" || fs[0].Location.Line != 41 {
		t.Errorf("first location = %+v", fs[0].Location)
	}
	// Missing type/severity are inferred from the description.
	if fs[1].Type != FindingBug {
		t.Errorf("inferred type = %s, want bug", fs[1].Type)
	}
	if fs[1].Severity == "" {
		t.Error("second finding has no severity")
	}
}

func TestParseFindings_BulletList(t *testing.T) {
	raw := `## Findings

- Critical data race in cache.go:88 when flushing
- Minor naming inconsistency in the handler package

## Recommendations

- Add a mutex around flush
`
	fs := ParseFindings(raw)
	if len(fs) != 2 {
		t.Fatalf("got %d findings, want 2 (recommendations must not leak in)", len(fs))
	}

	if fs[0].Type != FindingBug {
		t.Errorf("type = %s, want bug", fs[0].Type)
	}
	if fs[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", fs[0].Severity)
	}
	if fs[0].Location == nil || fs[0].Location.File != "cache.go" || fs[0].Location.Line != 88 {
		t.Errorf("location = %+v", fs[0].Location)
	}

	if fs[1].Type != FindingQuality || fs[1].Severity != SeverityLow {
		t.Errorf("second finding = %+v", fs[1])
	}
}

func TestParseFindings_ProseFallback(t *testing.T) {
	raw := "The slowdown comes from repeated JSON decoding of the same payload."
	fs := ParseFindings(raw)
	if len(fs) != 1 {
		t.Fatalf("got %d findings, want 1", len(fs))
	}
	if fs[0].Type != FindingOther || fs[0].Description != raw {
		t.Errorf("fallback finding = %+v", fs[0])
	}
}

func TestParseFindings_Empty(t *testing.T) {
	if fs := ParseFindings("   \n"); fs != nil {
		t.Errorf("blank input: got %v, want nil", fs)
	}
}

func TestParseRecommendations(t *testing.T) {
	raw := `## Findings

- something broken

## Recommendations

- fix the lock ordering
- add a regression test

## Next Steps

- profile the hot path
`
	recs := ParseRecommendations(raw)
	want := []string{"fix the lock ordering", "add a regression test", "profile the hot path"}
	if len(recs) != len(want) {
		t.Fatalf("got %v, want %v", recs, want)
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Errorf("rec[%d] = %q, want %q", i, recs[i], want[i])
		}
	}
}

func TestParseRecommendations_InlineMarkup(t *testing.T) {
	// Inline markup and wrapped lines split the text into several segments;
	// the extracted text must come back with single spaces only, or the
	// "next step" heading match and the bullet texts silently break.
	raw := "## Next **Steps**\n\n" +
		"- fix the `flushAll` lock ordering\n" +
		"- split the parser into scan\n  and evaluate phases\n"
	recs := ParseRecommendations(raw)
	want := []string{
		"fix the flushAll lock ordering",
		"split the parser into scan and evaluate phases",
	}
	if len(recs) != len(want) {
		t.Fatalf("got %v, want %v", recs, want)
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Errorf("rec[%d] = %q, want %q", i, recs[i], want[i])
		}
	}
}

func TestParseRecommendations_JSONWins(t *testing.T) {
	raw := "```json\n{\"recommendations\": [\"do the thing\"]}\n```\n\n## Recommendations\n\n- ignore this\n"
	recs := ParseRecommendations(raw)
	if len(recs) != 1 || recs[0] != "do the thing" {
		t.Errorf("got %v", recs)
	}
}

func TestParseConfidence(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"Overall confidence: 0.8", 0.8},
		{"Confidence: 85%", 0.85},
		{"confidence 90", 0.9},
		{"no signal here", 0.5},
		{"confidence: banana", 0.5},
	}
	for _, tc := range cases {
		if got := ParseConfidence(tc.raw, 0.5); got != tc.want {
			t.Errorf("ParseConfidence(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestParseHypotheses_JSON(t *testing.T) {
	raw := "```json\n{\"hypotheses\": [\n" +
		"{\"id\": \"h1\", \"statement\": \"connection pool exhaustion\", \"priorConfidence\": 0.7},\n" +
		"{\"statement\": \"stale DNS cache\"}\n" +
		"]}\n```"

	hs := ParseHypotheses(raw)
	if len(hs) != 2 {
		t.Fatalf("got %d hypotheses, want 2", len(hs))
	}
	if hs[0].ID != "h1" || hs[0].PriorConfidence != 0.7 {
		t.Errorf("first = %+v", hs[0])
	}
	if hs[1].ID != "h2" || hs[1].PriorConfidence != 0.5 {
		t.Errorf("second should get defaults, got %+v", hs[1])
	}
}

func TestParseHypotheses_Bullets(t *testing.T) {
	raw := `Possible causes:

- Cache stampede on restart (confidence: 0.7)
- Slow downstream dependency
`
	hs := ParseHypotheses(raw)
	if len(hs) != 2 {
		t.Fatalf("got %d hypotheses, want 2", len(hs))
	}
	if hs[0].Statement != "Cache stampede on restart" {
		t.Errorf("statement = %q (annotation should be stripped)", hs[0].Statement)
	}
	if hs[0].PriorConfidence != 0.7 {
		t.Errorf("prior = %v, want 0.7", hs[0].PriorConfidence)
	}
	if hs[1].ID != "h2" || hs[1].PriorConfidence != 0.5 {
		t.Errorf("second = %+v", hs[1])
	}
}

func TestParseVerdict_JSON(t *testing.T) {
	raw := "```json\n{\"verdict\": \"supported\", \"evidence\": [\"the lock is held across the await\"]}\n```"
	res := ParseVerdict(raw)
	if res.Verdict != VerdictSupported {
		t.Errorf("verdict = %s", res.Verdict)
	}
	if len(res.Evidence) != 1 {
		t.Errorf("evidence = %v", res.Evidence)
	}
}

func TestParseVerdict_Keyword(t *testing.T) {
	res := ParseVerdict("After tracing the call path, the hypothesis is refuted: the handler never reaches that branch.")
	if res.Verdict != VerdictRefuted {
		t.Errorf("verdict = %s, want refuted", res.Verdict)
	}

	// "not supported" must not match "supported".
	res = ParseVerdict("This theory is not supported by the logs.")
	if res.Verdict != VerdictRefuted {
		t.Errorf("negated verdict = %s, want refuted", res.Verdict)
	}

	res = ParseVerdict("Hard to say without more data.")
	if res.Verdict != VerdictInconclusive {
		t.Errorf("verdict = %s, want inconclusive", res.Verdict)
	}
}

func TestParseTraceSteps_OrderedList(t *testing.T) {
	raw := `1. main.go:12 handleRequest -> parses payload
2. service.go:44 validate -> returns error
`
	steps := ParseTraceSteps(raw)
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Location == nil || steps[0].Location.File != "main.go" || steps[0].Location.Line != 12 {
		t.Errorf("step 0 location = %+v", steps[0].Location)
	}
	if steps[0].DataFlow != "parses payload" {
		t.Errorf("step 0 dataFlow = %q", steps[0].DataFlow)
	}
	if steps[1].Operation != "service.go:44 validate" {
		t.Errorf("step 1 operation = %q", steps[1].Operation)
	}
}

func TestParseTraceSteps_JSON(t *testing.T) {
	raw := "```json\n{\"steps\": [{\"operation\": \"enqueue\", \"dataFlow\": \"job -> queue\"}]}\n```"
	steps := ParseTraceSteps(raw)
	if len(steps) != 1 || steps[0].Operation != "enqueue" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestParseWinner(t *testing.T) {
	a := Hypothesis{ID: "h1", Statement: "pool exhaustion"}
	b := Hypothesis{ID: "h2", Statement: "dns cache"}

	if id, ok := ParseWinner("```json\n{\"winner\": \"h2\"}\n```", a, b); !ok || id != "h2" {
		t.Errorf("json form: id=%q ok=%v", id, ok)
	}
	if id, ok := ParseWinner("Winner: h1, the evidence is stronger.", a, b); !ok || id != "h1" {
		t.Errorf("line form: id=%q ok=%v", id, ok)
	}
	if id, ok := ParseWinner("h2's theory better explains the stack traces.", a, b); !ok || id != "h2" {
		t.Errorf("mention form: id=%q ok=%v", id, ok)
	}
	if _, ok := ParseWinner("Both h1 and h2 remain plausible.", a, b); ok {
		t.Error("ambiguous mention should not resolve")
	}
	if _, ok := ParseWinner("no decision here", a, b); ok {
		t.Error("no mention should not resolve")
	}
}
