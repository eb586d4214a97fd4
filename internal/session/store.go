package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reasonbridge/reasonbridge/internal/analysis"
	"github.com/reasonbridge/reasonbridge/internal/errs"
	"github.com/reasonbridge/reasonbridge/internal/notify"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusActive        Status = "active"
	StatusProcessing    Status = "processing"
	StatusAwaitingInput Status = "awaiting_input"
	StatusFinalizing    Status = "finalizing"
	StatusCompleted     Status = "completed"
	StatusAbandoned     Status = "abandoned"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReasoner Role = "reasoner"
)

// CodeSnippet is a file excerpt attached to a caller turn.
type CodeSnippet struct {
	File    string `json:"file"`
	Excerpt string `json:"excerpt"`
}

// Turn is one entry in a session transcript.
type Turn struct {
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Timestamp    time.Time     `json:"timestamp"`
	CodeSnippets []CodeSnippet `json:"codeSnippets,omitempty"`
}

// Budget tracks what a session may still spend.
type Budget struct {
	WallClock     time.Duration `json:"wallClockSec"`
	ProviderCalls int           `json:"providerCalls"`
}

// Session is the unit of conversational state. It is mutated only by the
// operation holding its FIFO lock; mu additionally guards the mutable fields
// (Status, LastActivityAt, Turns, Budget) so Status and the sweeper can read
// consistent snapshots without queuing behind an in-flight provider call.
type Session struct {
	ID             string
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	AnalysisType   analysis.AnalysisType
	Context        analysis.Context
	Turns          []Turn
	ProviderState  any
	Budget         Budget

	mu              sync.Mutex
	transcriptBytes int
}

func (sess *Session) setStatus(st Status) {
	sess.mu.Lock()
	sess.Status = st
	sess.mu.Unlock()
}

func (sess *Session) statusNow() Status {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.Status
}

// StatusView is the read-only answer to get_conversation_status.
type StatusView struct {
	Status          Status    `json:"status"`
	TurnCount       int       `json:"turnCount"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	BudgetRemaining Budget    `json:"budgetRemaining"`
}

// StoreConfig bounds the store.
type StoreConfig struct {
	IdleTTL            time.Duration
	SweepInterval      time.Duration
	MaxTurns           int
	MaxTranscriptBytes int
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 200
	}
	if c.MaxTranscriptBytes <= 0 {
		c.MaxTranscriptBytes = 2 << 20
	}
	return c
}

// Store holds live sessions in memory. Nothing is persisted; process exit
// discards everything.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	locks *LockTable
	bus   *notify.Bus
	log   *slog.Logger
	cfg   StoreConfig
	now   func() time.Time
}

// NewStore wires a Store. bus may be nil when no one listens.
func NewStore(locks *LockTable, bus *notify.Bus, log *slog.Logger, cfg StoreConfig) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		locks:    locks,
		bus:      bus,
		log:      log.With("component", "session"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Locks exposes the lock table the store coordinates with.
func (s *Store) Locks() *LockTable { return s.locks }

func (s *Store) publish(ev notify.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// Create mints a new active session.
func (s *Store) Create(t analysis.AnalysisType, c analysis.Context, budget Budget) *Session {
	now := s.now()
	sess := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		AnalysisType:   t,
		Context:        c,
		Budget:         budget,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.publish(notify.Event{Type: notify.SessionCreated, SessionID: sess.ID, At: now})
	s.log.Info("session created", "sessionId", sess.ID, "analysisType", t)
	return sess
}

// Get returns the live session. Callers that mutate it must hold its lock.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errs.Newf(errs.SessionNotFound, "session %s not found", id)
	}
	return sess, nil
}

// Status returns a read-only snapshot, or SessionNotFound.
func (s *Store) Status(id string) (StatusView, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return StatusView{}, errs.Newf(errs.SessionNotFound, "session %s not found", id)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return StatusView{
		Status:          sess.Status,
		TurnCount:       len(sess.Turns),
		LastActivityAt:  sess.LastActivityAt,
		BudgetRemaining: sess.Budget,
	}, nil
}

// AppendTurn adds a turn, enforcing the transcript caps. The caller must
// hold the session's lock.
func (s *Store) AppendTurn(sess *Session, turn Turn) error {
	sess.mu.Lock()
	if len(sess.Turns) >= s.cfg.MaxTurns {
		sess.mu.Unlock()
		return errs.Newf(errs.SessionFull, "session %s reached the %d-turn transcript cap", sess.ID, s.cfg.MaxTurns)
	}
	size := len(turn.Content)
	for _, sn := range turn.CodeSnippets {
		size += len(sn.Excerpt)
	}
	if sess.transcriptBytes+size > s.cfg.MaxTranscriptBytes {
		sess.mu.Unlock()
		return errs.Newf(errs.SessionFull, "session %s reached the transcript byte cap", sess.ID)
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	sess.Turns = append(sess.Turns, turn)
	sess.transcriptBytes += size
	sess.LastActivityAt = s.now()
	turnCount := len(sess.Turns)
	sess.mu.Unlock()

	s.publish(notify.Event{Type: notify.TurnAppended, SessionID: sess.ID, Payload: turnCount})
	return nil
}

// Touch refreshes the idle clock. The caller must hold the session's lock.
func (s *Store) Touch(sess *Session) {
	sess.mu.Lock()
	sess.LastActivityAt = s.now()
	sess.mu.Unlock()
}

// Destroy removes the session, stamping a terminal status. The finalized
// event carries a copy of the transcript for archival subscribers.
func (s *Store) Destroy(id string, status Status) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return errs.Newf(errs.SessionNotFound, "session %s not found", id)
	}

	sess.mu.Lock()
	sess.Status = status
	turns := make([]Turn, len(sess.Turns))
	copy(turns, sess.Turns)
	sess.mu.Unlock()

	evType := notify.SessionAbandoned
	if status == StatusCompleted {
		evType = notify.SessionFinalized
	}
	s.publish(notify.Event{Type: evType, SessionID: id, Payload: turns})
	s.log.Info("session destroyed", "sessionId", id, "status", status, "turns", len(turns))
	return nil
}

// Count reports the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Run sweeps idle sessions until ctx is canceled. A session is reaped only
// when its idle TTL has elapsed and no operation holds its lock; in-flight
// work is never canceled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := s.now().Add(-s.cfg.IdleTTL)

	s.mu.RLock()
	var stale []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.LastActivityAt.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		if s.locks.Held(id) {
			continue
		}
		if err := s.Destroy(id, StatusAbandoned); err == nil {
			s.log.Info("idle session reaped", "sessionId", id)
		}
	}
}
