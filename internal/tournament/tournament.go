// Package tournament implements the bracketed hypothesis competition: one
// generation call fans out into parallel pair-comparison rounds under a
// shared budget, and a synthesis call turns the survivors into a ranked
// answer with the reasoning trail.
package tournament

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/reasonbridge/reasonbridge/internal/analysis"
	"github.com/reasonbridge/reasonbridge/internal/errs"
	"github.com/reasonbridge/reasonbridge/internal/provider"
	"github.com/reasonbridge/reasonbridge/internal/securefs"
)

// Config shapes a tournament.
type Config struct {
	MaxHypotheses    int `json:"maxHypotheses"`
	MaxRounds        int `json:"maxRounds"`
	ParallelSessions int `json:"parallelSessions"`
}

func (c Config) withDefaults() Config {
	if c.MaxHypotheses <= 0 {
		c.MaxHypotheses = 6
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.ParallelSessions <= 0 {
		c.ParallelSessions = 2
	}
	return c
}

// Budget bounds a whole tournament.
type Budget struct {
	WallClock     time.Duration `json:"wallClockSec"`
	ProviderCalls int           `json:"providerCalls"`
}

func (b Budget) withDefaults() Budget {
	if b.WallClock <= 0 {
		b.WallClock = 5 * time.Minute
	}
	if b.ProviderCalls <= 0 {
		b.ProviderCalls = 25
	}
	return b
}

// HypothesisStatus tracks a contender through the bracket.
type HypothesisStatus string

const (
	StatusPending    HypothesisStatus = "pending"
	StatusTested     HypothesisStatus = "tested"
	StatusEliminated HypothesisStatus = "eliminated"
	StatusWinner     HypothesisStatus = "winner"
)

// Ranked is a hypothesis with its final confidence and bracket status.
type Ranked struct {
	ID         string           `json:"id"`
	Statement  string           `json:"statement"`
	Confidence float64          `json:"confidence"`
	Status     HypothesisStatus `json:"status"`
}

// PairResult records one comparison.
type PairResult struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Winner     string  `json:"winner"`
	Confidence float64 `json:"confidence"`
	Warning    string  `json:"warning,omitempty"`
}

// Round is the trail of one elimination round.
type Round struct {
	Number int          `json:"number"`
	Pairs  []PairResult `json:"pairs"`
	Byes   []string     `json:"byes,omitempty"`
}

// Result is the answer to run_hypothesis_tournament.
type Result struct {
	TournamentID    string   `json:"tournamentId"`
	Status          string   `json:"status"` // "complete" or "partial"
	Winner          *Ranked  `json:"winner,omitempty"`
	RunnersUp       []Ranked `json:"runnersUp,omitempty"`
	Rounds          []Round  `json:"rounds"`
	Rationale       string   `json:"rationale,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	ProviderCalls   int      `json:"providerCalls"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Input carries the validated arguments of run_hypothesis_tournament.
type Input struct {
	Context analysis.Context
	Issue   string
	Config  Config
	Budget  Budget
}

// Scheduler runs tournaments. It deliberately bypasses the conversational
// session lock: pair tests are independent provider calls bounded by a
// local worker pool, so nothing contends on per-session state.
type Scheduler struct {
	fs   *securefs.Reader
	orch analysis.Caller
	log  *slog.Logger
	now  func() time.Time
}

// NewScheduler wires a Scheduler.
func NewScheduler(fs *securefs.Reader, orch analysis.Caller, log *slog.Logger) *Scheduler {
	return &Scheduler{fs: fs, orch: orch, log: log.With("component", "tournament"), now: time.Now}
}

// entry is a contender's mutable bracket state.
type entry struct {
	hyp        analysis.Hypothesis
	confidence float64
	status     HypothesisStatus
}

// budgetTracker enforces the shared wall-clock and call-count budget. All
// workers charge through it before issuing a call.
type budgetTracker struct {
	mu        sync.Mutex
	deadline  time.Time
	remaining int
	used      int
	truncated bool
	now       func() time.Time
}

// charge reserves one provider call; false means the budget is exhausted
// and the tournament must truncate.
func (b *budgetTracker) charge() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 || b.now().After(b.deadline) {
		b.truncated = true
		return false
	}
	b.remaining--
	b.used++
	return true
}

func (b *budgetTracker) wasTruncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Run executes the full tournament.
func (s *Scheduler) Run(ctx context.Context, in Input) (*Result, error) {
	if in.Issue == "" {
		return nil, errs.New(errs.Validation, "issue is required")
	}
	cfg := in.Config.withDefaults()
	budget := in.Budget.withDefaults()

	files, err := s.loadScope(in.Context.FocusArea.Files)
	if err != nil {
		return nil, err
	}

	tournamentID := uuid.NewString()
	tracker := &budgetTracker{
		deadline:  s.now().Add(budget.WallClock),
		remaining: budget.ProviderCalls,
		now:       s.now,
	}
	ctx, cancel := context.WithDeadline(ctx, tracker.deadline)
	defer cancel()

	res := &Result{TournamentID: tournamentID, Status: "complete"}
	log := s.log.With("tournamentId", tournamentID)

	// Generation round: one call, fatal on provider exhaustion.
	if !tracker.charge() {
		return nil, errs.New(errs.BudgetExhausted, "tournament budget exhausted before generation")
	}
	gen, err := s.orch.Call(ctx, provider.Request{
		System: analysis.TournamentSystemPrompt(),
		Prompt: analysis.GenerationPrompt(in.Context, in.Issue, cfg.MaxHypotheses, files),
	})
	if err != nil {
		return nil, err
	}

	hyps := analysis.ParseHypotheses(gen.Text)
	if len(hyps) == 0 {
		// Degenerate output: treat the whole reply as a single theory.
		hyps = []analysis.Hypothesis{{ID: "h1", Statement: gen.Text, PriorConfidence: 0.5}}
	}
	if len(hyps) > cfg.MaxHypotheses {
		hyps = hyps[:cfg.MaxHypotheses]
	}
	shuffleHypotheses(tournamentID, hyps)

	entries := make(map[string]*entry, len(hyps))
	survivors := make([]*entry, 0, len(hyps))
	for _, h := range hyps {
		e := &entry{hyp: h, confidence: h.PriorConfidence, status: StatusPending}
		entries[h.ID] = e
		survivors = append(survivors, e)
	}
	log.Info("hypotheses generated", "count", len(survivors))

	// Elimination rounds.
	for round := 1; round <= cfg.MaxRounds && len(survivors) > 1; round++ {
		pairs, byes := pairUp(survivors)
		rec := Round{Number: round}
		for _, b := range byes {
			rec.Byes = append(rec.Byes, b.hyp.ID)
		}

		results := make([]PairResult, len(pairs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.ParallelSessions)
		for i, p := range pairs {
			g.Go(func() error {
				results[i] = s.runPair(gctx, tracker, in.Issue, p[0], p[1], files)
				return nil
			})
		}
		_ = g.Wait()

		next := byes
		for _, pr := range results {
			winner, loser := entries[pr.Winner], entries[other(pr, pr.Winner)]
			winner.status = StatusTested
			winner.confidence = pr.Confidence
			loser.status = StatusEliminated
			next = append(next, winner)
			if pr.Warning != "" {
				res.Warnings = append(res.Warnings, fmt.Sprintf("round %d %s vs %s: %s", round, pr.A, pr.B, pr.Warning))
			}
		}
		rec.Pairs = results
		res.Rounds = append(res.Rounds, rec)
		survivors = next

		if tracker.wasTruncated() {
			break
		}
	}

	rankEntries(survivors)
	if len(survivors) == 1 && !tracker.wasTruncated() {
		survivors[0].status = StatusWinner
	} else {
		res.Status = "partial"
		survivors[0].status = StatusWinner
	}

	res.Winner = rankedOf(survivors[0])
	for _, e := range survivors[1:] {
		res.RunnersUp = append(res.RunnersUp, *rankedOf(e))
	}

	// Synthesis: best effort under the remaining budget.
	if tracker.charge() {
		survivorHyps := make([]analysis.Hypothesis, 0, len(survivors))
		for _, e := range survivors {
			h := e.hyp
			h.PriorConfidence = e.confidence
			survivorHyps = append(survivorHyps, h)
		}
		syn, err := s.orch.Call(ctx, provider.Request{
			System: analysis.TournamentSystemPrompt(),
			Prompt: analysis.SynthesisPrompt(in.Issue, survivorHyps),
		})
		if err != nil {
			log.Warn("synthesis call failed", "error", err)
			res.Warnings = append(res.Warnings, "synthesis failed: "+err.Error())
		} else {
			res.Rationale = syn.Text
			res.Recommendations = analysis.ParseRecommendations(syn.Text)
		}
	} else {
		res.Warnings = append(res.Warnings, "budget exhausted before synthesis")
	}

	res.ProviderCalls = tracker.used
	log.Info("tournament finished", "status", res.Status, "providerCalls", res.ProviderCalls, "rounds", len(res.Rounds))
	return res, nil
}

// runPair compares two hypotheses. A failed or undecidable comparison never
// fails the tournament: the higher prior confidence wins with a warning.
func (s *Scheduler) runPair(ctx context.Context, tracker *budgetTracker, issue string, a, b *entry, files []analysis.FileContent) PairResult {
	pr := PairResult{A: a.hyp.ID, B: b.hyp.ID}

	if !tracker.charge() {
		pr.Winner, pr.Confidence = byPrior(a, b)
		pr.Warning = "budget exhausted; resolved by prior confidence"
		return pr
	}

	resp, err := s.orch.Call(ctx, provider.Request{
		System: analysis.TournamentSystemPrompt(),
		Prompt: analysis.ComparisonPrompt(issue, a.hyp, b.hyp, files),
	})
	if err != nil {
		pr.Winner, pr.Confidence = byPrior(a, b)
		pr.Warning = "comparison failed (" + err.Error() + "); resolved by prior confidence"
		return pr
	}

	winnerID, ok := analysis.ParseWinner(resp.Text, a.hyp, b.hyp)
	if !ok {
		pr.Winner, pr.Confidence = byPrior(a, b)
		pr.Warning = "no decisive winner in comparison output; resolved by prior confidence"
		return pr
	}
	pr.Winner = winnerID
	prior := a.confidence
	if winnerID == b.hyp.ID {
		prior = b.confidence
	}
	pr.Confidence = analysis.ParseConfidence(resp.Text, prior)
	return pr
}

func byPrior(a, b *entry) (string, float64) {
	if b.confidence > a.confidence {
		return b.hyp.ID, b.confidence
	}
	return a.hyp.ID, a.confidence
}

func other(pr PairResult, winner string) string {
	if pr.A == winner {
		return pr.B
	}
	return pr.A
}

// pairUp splits survivors into adjacent pairs; an odd count yields a bye.
func pairUp(survivors []*entry) ([][2]*entry, []*entry) {
	var pairs [][2]*entry
	var byes []*entry
	for i := 0; i+1 < len(survivors); i += 2 {
		pairs = append(pairs, [2]*entry{survivors[i], survivors[i+1]})
	}
	if len(survivors)%2 == 1 {
		byes = append(byes, survivors[len(survivors)-1])
	}
	return pairs, byes
}

// shuffleHypotheses orders the initial bracket deterministically from the
// tournament ID, so identical inputs replay identically.
func shuffleHypotheses(tournamentID string, hyps []analysis.Hypothesis) {
	sum := blake3.Sum256([]byte(tournamentID))
	rng := rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(sum[0:8]),
		binary.LittleEndian.Uint64(sum[8:16]),
	))
	rng.Shuffle(len(hyps), func(i, j int) { hyps[i], hyps[j] = hyps[j], hyps[i] })
}

// rankEntries sorts by confidence, highest first, stable on the bracket
// order.
func rankEntries(es []*entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].confidence > es[j-1].confidence; j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

func rankedOf(e *entry) *Ranked {
	return &Ranked{
		ID:         e.hyp.ID,
		Statement:  e.hyp.Statement,
		Confidence: e.confidence,
		Status:     e.status,
	}
}

func (s *Scheduler) loadScope(files []string) ([]analysis.FileContent, error) {
	if err := s.fs.ValidateAll(files); err != nil {
		return nil, err
	}
	var out []analysis.FileContent
	for _, f := range files {
		data, err := s.fs.Read(f)
		if err != nil {
			s.log.Warn("skipping unreadable scope file", "path", f, "error", err)
			continue
		}
		const maxBytes = 48 << 10
		fc := analysis.FileContent{Path: f, Data: data}
		if len(data) > maxBytes {
			fc.Data = data[:maxBytes]
			fc.Truncated = true
		}
		out = append(out, fc)
	}
	return out, nil
}
