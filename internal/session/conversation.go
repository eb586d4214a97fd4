package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/reasonbridge/reasonbridge/internal/analysis"
	"github.com/reasonbridge/reasonbridge/internal/errs"
	"github.com/reasonbridge/reasonbridge/internal/provider"
	"github.com/reasonbridge/reasonbridge/internal/securefs"
)

// SummaryFormat selects the shape of a finalization summary.
type SummaryFormat string

const (
	FormatConcise    SummaryFormat = "concise"
	FormatDetailed   SummaryFormat = "detailed"
	FormatActionable SummaryFormat = "actionable"
)

// ParseSummaryFormat validates a wire value, defaulting to concise.
func ParseSummaryFormat(s string) (SummaryFormat, error) {
	switch SummaryFormat(s) {
	case "":
		return FormatConcise, nil
	case FormatConcise, FormatDetailed, FormatActionable:
		return SummaryFormat(s), nil
	}
	return "", fmt.Errorf("unknown summary format %q", s)
}

var formatInstruction = map[SummaryFormat]string{
	FormatConcise:    "Summarize the investigation in 3-5 sentences.",
	FormatDetailed:   "Write a full report: what was investigated, every finding with evidence, and the reasoning that led to each conclusion.",
	FormatActionable: "Write an action plan: each item a concrete change with the file to touch and the expected effect.",
}

// FinalReport is the result of finalize_conversation.
type FinalReport struct {
	Summary         string             `json:"summary"`
	Findings        []analysis.Finding `json:"findings"`
	Recommendations []string           `json:"recommendations"`
	TranscriptRef   string             `json:"transcriptRef,omitempty"`
	ProviderUsed    string             `json:"providerUsed"`
}

// Archiver persists a finalized transcript and returns an opaque reference.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, turns []Turn, summary string) (string, error)
}

// RuntimeConfig bounds conversational sessions.
type RuntimeConfig struct {
	CallBudget    time.Duration // per provider call
	WallClock     time.Duration // per session
	ProviderCalls int           // per session
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.CallBudget <= 0 {
		c.CallBudget = analysis.DefaultCallBudget
	}
	if c.WallClock <= 0 {
		c.WallClock = 10 * time.Minute
	}
	if c.ProviderCalls <= 0 {
		c.ProviderCalls = 50
	}
	return c
}

// Runtime implements the conversational tools on top of the store, the lock
// table, the secure reader, and the orchestrator.
type Runtime struct {
	store    *Store
	fs       *securefs.Reader
	orch     analysis.Caller
	log      *slog.Logger
	cfg      RuntimeConfig
	archiver Archiver
	now      func() time.Time
}

// NewRuntime wires a Runtime.
func NewRuntime(store *Store, fs *securefs.Reader, orch analysis.Caller, log *slog.Logger, cfg RuntimeConfig) *Runtime {
	return &Runtime{
		store: store,
		fs:    fs,
		orch:  orch,
		log:   log.With("component", "conversation"),
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// WithArchiver attaches a transcript archiver; finalize reports then carry
// a transcriptRef.
func (r *Runtime) WithArchiver(a Archiver) *Runtime {
	r.archiver = a
	return r
}

// --- start_conversation ---

// StartInput carries the validated arguments of start_conversation.
type StartInput struct {
	Context         analysis.Context
	AnalysisType    analysis.AnalysisType
	InitialQuestion string
}

// StartResult is the answer to start_conversation.
type StartResult struct {
	SessionID    string `json:"sessionId"`
	Reply        string `json:"reply"`
	TurnCount    int    `json:"turnCount"`
	ProviderUsed string `json:"providerUsed"`
}

// Start validates the context, creates a session, and primes it with one
// provider call. A session whose priming call fails is destroyed rather
// than left orphaned.
func (r *Runtime) Start(ctx context.Context, in StartInput) (res *StartResult, err error) {
	if err := r.fs.ValidateAll(in.Context.FocusArea.Files); err != nil {
		return nil, err
	}

	budget := Budget{
		WallClock:     in.Context.Budget(r.cfg.WallClock),
		ProviderCalls: r.cfg.ProviderCalls,
	}
	sess := r.store.Create(in.AnalysisType, in.Context, budget)

	// Hold the session's lock for the priming call; nothing else can know
	// the ID yet, but the invariant is cheap to keep unconditional.
	token, err := r.store.Locks().Acquire(ctx, sess.ID)
	if err != nil {
		_ = r.store.Destroy(sess.ID, StatusAbandoned)
		return nil, err
	}
	defer r.unlockGuard(sess.ID, token, &err)

	question := in.InitialQuestion
	if question == "" {
		question = "Where should this investigation start?"
	}
	opening := question + "\n\n" + contextDigest(in.Context)
	if err := r.store.AppendTurn(sess, Turn{Role: RoleCaller, Content: opening}); err != nil {
		_ = r.store.Destroy(sess.ID, StatusAbandoned)
		return nil, err
	}

	reply, used, err := r.exchange(ctx, sess)
	if err != nil {
		_ = r.store.Destroy(sess.ID, StatusAbandoned)
		return nil, err
	}

	sess.setStatus(StatusActive)
	return &StartResult{
		SessionID:    sess.ID,
		Reply:        reply,
		TurnCount:    len(sess.Turns),
		ProviderUsed: used,
	}, nil
}

// --- continue_conversation ---

// Continue appends a caller message, asks the reasoner, and returns the
// reply. The session lock serializes concurrent continues in FIFO order.
func (r *Runtime) Continue(ctx context.Context, sessionID, message string, includeSnippets bool) (reply string, err error) {
	if strings.TrimSpace(message) == "" {
		return "", errs.New(errs.Validation, "message is required")
	}

	token, err := r.store.Locks().Acquire(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer r.unlockGuard(sessionID, token, &err)

	sess, err := r.store.Get(sessionID)
	if err != nil {
		return "", err
	}
	if st := sess.statusNow(); st == StatusFinalizing || st == StatusCompleted {
		return "", errs.Newf(errs.SessionFinalized, "session %s is already finalizing", sessionID)
	}
	if err := r.checkBudget(sess); err != nil {
		return "", err
	}

	sess.setStatus(StatusProcessing)
	turn := Turn{Role: RoleCaller, Content: message}
	if includeSnippets {
		turn.CodeSnippets = r.snippetsFor(message)
	}
	if err := r.store.AppendTurn(sess, turn); err != nil {
		sess.setStatus(StatusAwaitingInput)
		return "", err
	}

	reply, _, err = r.exchange(ctx, sess)
	if err != nil {
		// The session survives provider failure; the caller may retry.
		sess.setStatus(StatusAwaitingInput)
		return "", err
	}
	sess.setStatus(StatusAwaitingInput)
	return reply, nil
}

// --- finalize_conversation ---

// Finalize issues the synthesis call, archives the transcript when an
// archiver is attached, and destroys the session before the lock is
// released.
func (r *Runtime) Finalize(ctx context.Context, sessionID string, format SummaryFormat) (report *FinalReport, err error) {
	token, err := r.store.Locks().Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer r.unlockGuard(sessionID, token, &err)

	sess, err := r.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	prev := sess.statusNow()
	sess.setStatus(StatusFinalizing)

	instruction, ok := formatInstruction[format]
	if !ok {
		instruction = formatInstruction[FormatConcise]
	}

	// The synthesis instruction rides on the prompt instead of the
	// transcript, so a session at the turn or byte cap can still finalize.
	text, used, err := r.callProvider(ctx, sess, finalizePrompt(sess, instruction))
	if err != nil {
		// Restore the prior status so the caller can retry finalization or
		// keep the conversation going.
		sess.setStatus(prev)
		return nil, err
	}

	report = &FinalReport{
		Summary:         summaryOf(text),
		Findings:        analysis.ParseFindings(text),
		Recommendations: analysis.ParseRecommendations(text),
		ProviderUsed:    used,
	}

	if r.archiver != nil {
		ref, aerr := r.archiver.Archive(ctx, sess.ID, sess.Turns, report.Summary)
		if aerr != nil {
			r.log.Warn("transcript archive failed", "sessionId", sess.ID, "error", aerr)
		} else {
			report.TranscriptRef = ref
		}
	}

	// Destroy commits before the deferred release runs.
	if err := r.store.Destroy(sess.ID, StatusCompleted); err != nil {
		return nil, err
	}
	return report, nil
}

// StatusOf answers get_conversation_status.
func (r *Runtime) StatusOf(sessionID string) (StatusView, error) {
	return r.store.Status(sessionID)
}

// --- internals ---

// unlockGuard always releases the session lock. A panic in the locked
// region abandons and destroys the session, then surfaces as an internal
// error instead of killing the process.
func (r *Runtime) unlockGuard(sessionID, token string, err *error) {
	if rec := recover(); rec != nil {
		r.log.Error("panic in locked session operation", "sessionId", sessionID, "panic", rec)
		_ = r.store.Destroy(sessionID, StatusAbandoned)
		*err = errs.Newf(errs.Internal, "internal failure while operating on session %s", sessionID)
	}
	if rerr := r.store.Locks().Release(sessionID, token); rerr != nil {
		r.log.Error("lock release failed", "sessionId", sessionID, "error", rerr)
	}
}

func (r *Runtime) checkBudget(sess *Session) error {
	sess.mu.Lock()
	b := sess.Budget
	sess.mu.Unlock()
	if b.WallClock <= 0 {
		return errs.Newf(errs.BudgetExhausted, "session %s has no wall-clock budget left", sess.ID)
	}
	if b.ProviderCalls <= 0 {
		return errs.Newf(errs.BudgetExhausted, "session %s has no provider calls left", sess.ID)
	}
	return nil
}

// callProvider runs one orchestrator call for the session, charging elapsed
// wall clock and one provider call against its budget. It appends nothing to
// the transcript.
func (r *Runtime) callProvider(ctx context.Context, sess *Session, prompt string) (string, string, error) {
	sess.mu.Lock()
	callBudget := r.cfg.CallBudget
	if sess.Budget.WallClock < callBudget {
		callBudget = sess.Budget.WallClock
	}
	sess.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, callBudget)
	defer cancel()

	started := r.now()
	resp, err := r.orch.Call(ctx, provider.Request{
		System: analysis.SystemPrompt(sess.AnalysisType),
		Prompt: prompt,
	})
	elapsed := r.now().Sub(started)

	sess.mu.Lock()
	sess.Budget.WallClock -= elapsed
	sess.Budget.ProviderCalls--
	sess.mu.Unlock()
	r.store.Touch(sess)

	if err != nil {
		return "", "", err
	}
	return resp.Text, resp.Provider, nil
}

// exchange sends the current transcript to the orchestrator and appends the
// reply as a reasoner turn.
func (r *Runtime) exchange(ctx context.Context, sess *Session) (string, string, error) {
	text, used, err := r.callProvider(ctx, sess, transcriptPrompt(sess))
	if err != nil {
		return "", "", err
	}
	if err := r.store.AppendTurn(sess, Turn{Role: RoleReasoner, Content: text}); err != nil {
		return "", "", err
	}
	return text, used, nil
}

const findingsShapeReminder = "Respond with a fenced ```json block " +
	`{"findings": [...], "recommendations": [...]}` +
	" after the prose summary."

// renderTurns replays the conversation for the provider: the digest lives in
// turn zero, so the whole history goes out verbatim.
func renderTurns(sess *Session) string {
	var b strings.Builder
	for _, t := range sess.Turns {
		switch t.Role {
		case RoleCaller:
			b.WriteString("## Caller\n\n")
		case RoleReasoner:
			b.WriteString("## Reasoner\n\n")
		}
		b.WriteString(t.Content)
		b.WriteString("\n\n")
		for _, sn := range t.CodeSnippets {
			fmt.Fprintf(&b, "```\n// %s\n%s\n```\n\n", sn.File, sn.Excerpt)
		}
	}
	return b.String()
}

func transcriptPrompt(sess *Session) string {
	return renderTurns(sess) + "## Reasoner\n\nContinue the investigation. Respond to the latest caller message."
}

func finalizePrompt(sess *Session, instruction string) string {
	return renderTurns(sess) +
		"## Caller\n\nFinalize the investigation. " + instruction +
		" Then list findings and recommendations as described.\n\n" + findingsShapeReminder +
		"\n\n## Reasoner\n\n"
}

// contextDigest summarizes the caller's context packet for turn zero.
func contextDigest(c analysis.Context) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, a := range c.AttemptedApproaches {
		fmt.Fprintf(&b, "- tried: %s\n", a)
	}
	for _, f := range c.PartialFindings {
		fmt.Fprintf(&b, "- partial finding [%s/%s]: %s\n", f.Type, f.Severity, f.Description)
	}
	for _, sp := range c.StuckPoints {
		fmt.Fprintf(&b, "- stuck: %s\n", sp)
	}
	if len(c.FocusArea.Files) > 0 {
		fmt.Fprintf(&b, "- files in scope: %s\n", strings.Join(c.FocusArea.Files, ", "))
	}
	return b.String()
}

// summaryOf returns the prose part of a finalization reply: everything
// before the first fenced block, trimmed.
func summaryOf(text string) string {
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// --- code snippet excerpting ---

var snippetRefRe = regexp.MustCompile(`([\w./\\-]+\.[A-Za-z]\w*):(\d+)`)

const snippetRadius = 20

// snippetsFor extracts file:line references from a caller message and
// attaches excerpts read through the secure reader. Unreadable or
// out-of-scope references are skipped silently; snippets are best-effort.
func (r *Runtime) snippetsFor(message string) []CodeSnippet {
	seen := map[string]struct{}{}
	var out []CodeSnippet
	for _, m := range snippetRefRe.FindAllStringSubmatch(message, 8) {
		key := m[1] + ":" + m[2]
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		data, err := r.fs.Read(m[1])
		if err != nil {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		excerpt := excerptAround(string(data), line, snippetRadius)
		if excerpt == "" {
			continue
		}
		out = append(out, CodeSnippet{File: m[1], Excerpt: excerpt})
	}
	return out
}

// excerptAround returns the lines within radius of the 1-based target line.
func excerptAround(content string, line, radius int) string {
	lines := strings.Split(content, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	lo := line - 1 - radius
	if lo < 0 {
		lo = 0
	}
	hi := line + radius
	if hi > len(lines) {
		hi = len(lines)
	}
	return strings.Join(lines[lo:hi], "\n")
}
