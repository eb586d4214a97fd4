package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reasonbridge/reasonbridge/internal/analysis"
	"github.com/reasonbridge/reasonbridge/internal/errs"
	"github.com/reasonbridge/reasonbridge/internal/notify"
	"github.com/reasonbridge/reasonbridge/internal/provider"
	"github.com/reasonbridge/reasonbridge/internal/securefs"
)

// gatedCaller answers provider calls one at a time: each Call consumes one
// token from gate before returning, so a test can hold an exchange open.
type gatedCaller struct {
	mu      sync.Mutex
	prompts []string
	gate    chan struct{}
	err     error
	panics  bool
	reply   func(n int) string
}

func newGatedCaller() *gatedCaller {
	g := &gatedCaller{gate: make(chan struct{}, 64)}
	g.reply = func(n int) string { return fmt.Sprintf("reply %d", n) }
	return g
}

// allow lets n pending or future calls complete.
func (g *gatedCaller) allow(n int) {
	for i := 0; i < n; i++ {
		g.gate <- struct{}{}
	}
}

func (g *gatedCaller) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *gatedCaller) Call(ctx context.Context, req provider.Request) (provider.Response, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	n := len(g.prompts)
	g.mu.Unlock()

	if g.panics {
		panic("provider blew up")
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return provider.Response{}, ctx.Err()
	}
	if g.err != nil {
		return provider.Response{}, g.err
	}
	return provider.Response{Text: g.reply(n), Provider: "fake", Model: "fake-1"}, nil
}

func newConvRuntime(t *testing.T, g *gatedCaller) (*Runtime, *Store, string) {
	t.Helper()
	workspace := t.TempDir()
	src := filepath.Join(workspace, "main.go")
	var lines []string
	for i := 1; i <= 60; i++ {
		lines = append(lines, fmt.Sprintf("// line %d", i))
	}
	if err := os.WriteFile(src, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	fs, err := securefs.New(workspace, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("securefs.New: %v", err)
	}
	store := NewStore(NewLockTable(), notify.New(), slog.New(slog.DiscardHandler), StoreConfig{})
	rt := NewRuntime(store, fs, g, slog.New(slog.DiscardHandler), RuntimeConfig{})
	return rt, store, src
}

func startSession(t *testing.T, rt *Runtime, g *gatedCaller, src string) string {
	t.Helper()
	g.allow(1)
	res, err := rt.Start(context.Background(), StartInput{
		Context: analysis.Context{
			AttemptedApproaches: []string{"grepped the logs"},
			StuckPoints:         []string{"cannot reproduce"},
			FocusArea:           analysis.CodeScope{Files: []string{src}},
		},
		AnalysisType:    analysis.HypothesisTest,
		InitialQuestion: "why does the cache miss?",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res.SessionID
}

func TestStart_PrimesConversation(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)

	id := startSession(t, rt, g, src)

	view, err := store.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Status != StatusActive || view.TurnCount != 2 {
		t.Errorf("view = %+v, want active with 2 turns", view)
	}
	if store.Locks().Held(id) {
		t.Error("lock should be free after start")
	}
	if g.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", g.calls())
	}
	if !strings.Contains(g.prompts[0], "why does the cache miss?") {
		t.Error("priming prompt missing the initial question")
	}
	if !strings.Contains(g.prompts[0], "grepped the logs") {
		t.Error("priming prompt missing the context digest")
	}
}

func TestStart_RejectsInvalidScope(t *testing.T) {
	g := newGatedCaller()
	rt, store, _ := newConvRuntime(t, g)

	_, err := rt.Start(context.Background(), StartInput{
		Context:      analysis.Context{FocusArea: analysis.CodeScope{Files: []string{"/etc/shadow"}}},
		AnalysisType: analysis.Performance,
	})
	if errs.KindOf(err) != errs.PathSecurity {
		t.Errorf("kind = %v, want path security", errs.KindOf(err))
	}
	if store.Count() != 0 {
		t.Error("no session should survive a rejected start")
	}
}

func TestStart_DestroysSessionOnProviderFailure(t *testing.T) {
	g := newGatedCaller()
	g.err = provider.NewCallError("fake", provider.KindUnavailable, "down")
	rt, store, src := newConvRuntime(t, g)

	g.allow(1)
	_, err := rt.Start(context.Background(), StartInput{
		Context:      analysis.Context{FocusArea: analysis.CodeScope{Files: []string{src}}},
		AnalysisType: analysis.Performance,
	})
	if err == nil {
		t.Fatal("expected provider error")
	}
	if store.Count() != 0 {
		t.Error("failed start must not leave an orphan session")
	}
}

func TestContinue_AppendsTurnsAndDecrementsBudget(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	g.allow(1)
	reply, err := rt.Continue(context.Background(), id, "what about the cache layer?", false)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if reply == "" {
		t.Error("empty reply")
	}

	view, _ := store.Status(id)
	if view.TurnCount != 4 {
		t.Errorf("turnCount = %d, want 4", view.TurnCount)
	}
	sess, _ := store.Get(id)
	if sess.Budget.ProviderCalls != rt.cfg.ProviderCalls-2 {
		t.Errorf("providerCalls remaining = %d", sess.Budget.ProviderCalls)
	}
	if sess.Status != StatusAwaitingInput {
		t.Errorf("status = %s", sess.Status)
	}
}

func TestContinue_UnknownSession(t *testing.T) {
	g := newGatedCaller()
	rt, _, _ := newConvRuntime(t, g)

	_, err := rt.Continue(context.Background(), "nope", "hi", false)
	if errs.KindOf(err) != errs.SessionNotFound {
		t.Errorf("kind = %v, want not found", errs.KindOf(err))
	}
}

func TestContinue_FIFOUnderContention(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	var wg sync.WaitGroup
	runContinue := func(msg string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rt.Continue(context.Background(), id, msg, false); err != nil {
				t.Errorf("Continue(%s): %v", msg, err)
			}
		}()
	}

	// A enters first and blocks inside the provider call while holding the
	// lock; B then queues behind it.
	runContinue("A")
	waitFor(t, func() bool { return g.calls() == 2 }, "A never reached the provider")
	runContinue("B")
	waitFor(t, func() bool { return store.Locks().Waiters(id) == 1 }, "B never queued")

	g.allow(2)
	wg.Wait()

	sess, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var callerTurns []string
	for _, turn := range sess.Turns {
		if turn.Role == RoleCaller {
			callerTurns = append(callerTurns, turn.Content)
		}
	}
	// Turn 0 is the opening; then A strictly before B.
	if len(callerTurns) != 3 || callerTurns[1] != "A" || callerTurns[2] != "B" {
		t.Errorf("caller turns = %v, want opening then A then B", callerTurns)
	}
}

func TestContinue_SurvivesProviderFailure(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	g.err = provider.NewCallError("fake", provider.KindUnavailable, "down")
	g.allow(1)
	_, err := rt.Continue(context.Background(), id, "still there?", false)
	if err == nil {
		t.Fatal("expected provider error")
	}

	// Session intact, lock free; the caller may retry.
	if _, err := store.Get(id); err != nil {
		t.Error("session should survive provider failure")
	}
	if store.Locks().Held(id) {
		t.Error("lock leaked after provider failure")
	}
	g.err = nil
	g.allow(1)
	if _, err := rt.Continue(context.Background(), id, "retry", false); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestContinue_PanicAbandonsSession(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	g.panics = true
	_, err := rt.Continue(context.Background(), id, "boom", false)
	if errs.KindOf(err) != errs.Internal {
		t.Fatalf("kind = %v, want internal", errs.KindOf(err))
	}
	if _, err := store.Get(id); errs.KindOf(err) != errs.SessionNotFound {
		t.Error("panicked session should be destroyed")
	}
	if store.Locks().Held(id) {
		t.Error("lock leaked after panic")
	}
}

func TestContinue_BudgetExhausted(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	sess, _ := store.Get(id)
	sess.Budget.ProviderCalls = 0

	_, err := rt.Continue(context.Background(), id, "one more", false)
	if errs.KindOf(err) != errs.BudgetExhausted {
		t.Errorf("kind = %v, want budget exhausted", errs.KindOf(err))
	}
}

func TestContinue_AttachesSnippets(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	g.allow(1)
	msg := "look closer at " + src + ":30 please"
	if _, err := rt.Continue(context.Background(), id, msg, true); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	sess, _ := store.Get(id)
	turn := sess.Turns[2]
	if len(turn.CodeSnippets) != 1 {
		t.Fatalf("snippets = %+v", turn.CodeSnippets)
	}
	sn := turn.CodeSnippets[0]
	if !strings.Contains(sn.Excerpt, "// line 30") || !strings.Contains(sn.Excerpt, "// line 10") {
		t.Errorf("excerpt missing expected radius: %q", sn.Excerpt)
	}
	// The snippet must reach the provider prompt.
	if !strings.Contains(g.prompts[len(g.prompts)-1], "// line 30") {
		t.Error("prompt missing snippet content")
	}
}

func TestFinalize_DestroysSession(t *testing.T) {
	g := newGatedCaller()
	g.reply = func(int) string {
		return "The cache misses because keys include a timestamp.\n\n```json\n{\"findings\": [{\"type\": \"bug\", \"severity\": \"high\", \"description\": \"timestamp in cache key\"}], \"recommendations\": [\"drop the timestamp component\"]}\n```"
	}
	rt, store, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	g.allow(1)
	report, err := rt.Finalize(context.Background(), id, FormatConcise)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !strings.Contains(report.Summary, "cache misses") {
		t.Errorf("summary = %q", report.Summary)
	}
	if len(report.Findings) != 1 || report.Findings[0].Severity != analysis.SeverityHigh {
		t.Errorf("findings = %+v", report.Findings)
	}
	if len(report.Recommendations) != 1 {
		t.Errorf("recommendations = %v", report.Recommendations)
	}

	if _, err := store.Status(id); errs.KindOf(err) != errs.SessionNotFound {
		t.Error("finalized session should be gone")
	}
	if store.Locks().Held(id) {
		t.Error("lock leaked after finalize")
	}
}

type fakeArchiver struct {
	sessionID string
	turns     int
	ref       string
	err       error
}

func (f *fakeArchiver) Archive(_ context.Context, sessionID string, turns []Turn, _ string) (string, error) {
	f.sessionID = sessionID
	f.turns = len(turns)
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

func TestFinalize_ArchivesTranscript(t *testing.T) {
	g := newGatedCaller()
	rt, _, src := newConvRuntime(t, g)
	arch := &fakeArchiver{ref: "transcripts/42"}
	rt.WithArchiver(arch)
	id := startSession(t, rt, g, src)

	g.allow(1)
	report, err := rt.Finalize(context.Background(), id, FormatDetailed)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if report.TranscriptRef != "transcripts/42" {
		t.Errorf("transcriptRef = %q", report.TranscriptRef)
	}
	// The synthesis instruction is not part of the transcript; the archiver
	// sees the conversation as it stood, opening turn plus priming reply.
	if arch.sessionID != id || arch.turns != 2 {
		t.Errorf("archiver saw %s with %d turns", arch.sessionID, arch.turns)
	}
}

func TestFinalize_SucceedsAtTurnCap(t *testing.T) {
	g := newGatedCaller()
	workspace := t.TempDir()
	src := filepath.Join(workspace, "main.go")
	if err := os.WriteFile(src, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	fs, err := securefs.New(workspace, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("securefs.New: %v", err)
	}
	store := NewStore(NewLockTable(), notify.New(), slog.New(slog.DiscardHandler), StoreConfig{MaxTurns: 2})
	rt := NewRuntime(store, fs, g, slog.New(slog.DiscardHandler), RuntimeConfig{})

	id := startSession(t, rt, g, src)

	// The opening turn plus the priming reply fill the transcript; further
	// continues are refused.
	_, err = rt.Continue(context.Background(), id, "more?", false)
	if errs.KindOf(err) != errs.SessionFull {
		t.Fatalf("kind = %v, want session full", errs.KindOf(err))
	}

	g.allow(1)
	report, err := rt.Finalize(context.Background(), id, FormatConcise)
	if err != nil {
		t.Fatalf("Finalize at turn cap: %v", err)
	}
	if report.Summary == "" {
		t.Error("empty summary")
	}
	if _, err := store.Status(id); errs.KindOf(err) != errs.SessionNotFound {
		t.Error("finalized session should be gone")
	}
}

func TestFinalize_ProviderFailureRestoresStatus(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	g.err = provider.NewCallError("fake", provider.KindUnavailable, "down")
	g.allow(1)
	if _, err := rt.Finalize(context.Background(), id, FormatConcise); err == nil {
		t.Fatal("expected provider error")
	}

	view, err := store.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Status != StatusActive {
		t.Errorf("status = %s, want active after failed finalize", view.Status)
	}

	// The session stays usable: continue, then finalize again.
	g.err = nil
	g.allow(2)
	if _, err := rt.Continue(context.Background(), id, "keep going", false); err != nil {
		t.Errorf("continue after failed finalize: %v", err)
	}
	if _, err := rt.Finalize(context.Background(), id, FormatConcise); err != nil {
		t.Errorf("retry finalize: %v", err)
	}
}

func TestFinalize_ArchiveFailureIsNonFatal(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)
	rt.WithArchiver(&fakeArchiver{err: fmt.Errorf("disk full")})
	id := startSession(t, rt, g, src)

	g.allow(1)
	report, err := rt.Finalize(context.Background(), id, FormatConcise)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if report.TranscriptRef != "" {
		t.Errorf("transcriptRef = %q, want empty", report.TranscriptRef)
	}
	if _, serr := store.Status(id); errs.KindOf(serr) != errs.SessionNotFound {
		t.Error("session should still be destroyed")
	}
}

func TestStatus_ConcurrentWithExchange(t *testing.T) {
	g := newGatedCaller()
	rt, _, src := newConvRuntime(t, g)
	id := startSession(t, rt, g, src)

	done := make(chan error, 1)
	go func() {
		_, err := rt.Continue(context.Background(), id, "what about the cache?", false)
		done <- err
	}()
	waitFor(t, func() bool { return g.calls() == 2 }, "continue never reached the provider")

	// Status snapshots run while the exchange mutates the session; the race
	// detector covers this path.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := rt.StatusOf(id); err != nil {
				return
			}
		}
	}()

	g.allow(1)
	if err := <-done; err != nil {
		t.Fatalf("Continue: %v", err)
	}
	close(stop)
	wg.Wait()

	view, err := rt.StatusOf(id)
	if err != nil {
		t.Fatalf("StatusOf: %v", err)
	}
	if view.Status != StatusAwaitingInput || view.TurnCount != 4 {
		t.Errorf("view = %+v, want awaiting_input with 4 turns", view)
	}
}

func TestParseSummaryFormat(t *testing.T) {
	if f, err := ParseSummaryFormat(""); err != nil || f != FormatConcise {
		t.Errorf("empty: %v %v", f, err)
	}
	if _, err := ParseSummaryFormat("interpretive dance"); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestSessionBudget_WallClockDecreases(t *testing.T) {
	g := newGatedCaller()
	rt, store, src := newConvRuntime(t, g)

	base := time.Now()
	var clockMu sync.Mutex
	clock := base
	rt.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	id := startSession(t, rt, g, src)

	sess, _ := store.Get(id)
	before := sess.Budget.WallClock

	done := make(chan struct{})
	go func() {
		_, _ = rt.Continue(context.Background(), id, "tick", false)
		close(done)
	}()
	waitFor(t, func() bool { return g.calls() == 2 }, "continue never reached the provider")
	clockMu.Lock()
	clock = base.Add(3 * time.Second)
	clockMu.Unlock()
	g.allow(1)
	<-done

	sess, _ = store.Get(id)
	if got := before - sess.Budget.WallClock; got < 3*time.Second {
		t.Errorf("wall clock budget decreased by %v, want at least 3s", got)
	}
}
