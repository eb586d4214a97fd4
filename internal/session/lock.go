// Package session implements the concurrency core of the server: the
// in-memory session store, the per-session FIFO lock, the idle reaper, and
// the conversational runtime built on top of them.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/reasonbridge/reasonbridge/internal/errs"
)

// LockTable serializes mutation per session ID. Contended acquirers wait in
// strict FIFO order; every queue and holder mutation happens under one
// table-level mutex, so there is no check-then-set race. Policy: waiters
// queue rather than failing fast, so concurrent continues on one session
// all succeed in arrival order.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	holderToken string
	queue       []*waiter
}

type waiter struct {
	token string
	ready chan struct{}
}

// NewLockTable creates an empty table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*lockState)}
}

// Acquire blocks until the caller holds the session's lock, then returns an
// opaque holder token that must be passed to Release. A canceled context
// abandons the wait; if the grant raced the cancellation, the lock is
// handed straight to the next waiter.
func (t *LockTable) Acquire(ctx context.Context, sessionID string) (string, error) {
	token := uuid.NewString()

	t.mu.Lock()
	ls, ok := t.locks[sessionID]
	if !ok {
		t.locks[sessionID] = &lockState{holderToken: token}
		t.mu.Unlock()
		return token, nil
	}
	w := &waiter{token: token, ready: make(chan struct{})}
	ls.queue = append(ls.queue, w)
	t.mu.Unlock()

	select {
	case <-w.ready:
		return token, nil
	case <-ctx.Done():
		if t.abandonWait(sessionID, w) {
			return "", errs.Wrap(errs.BudgetExhausted, "waiting for session lock", ctx.Err())
		}
		// Promotion raced the cancellation: we hold the lock now, pass it on.
		_ = t.Release(sessionID, token)
		return "", errs.Wrap(errs.BudgetExhausted, "waiting for session lock", ctx.Err())
	}
}

// abandonWait removes w from the queue. It reports false when w was already
// promoted to holder.
func (t *LockTable) abandonWait(sessionID string, w *waiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls, ok := t.locks[sessionID]
	if !ok {
		return false
	}
	for i, qw := range ls.queue {
		if qw == w {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Release hands the lock to the next waiter, or removes the table entry
// when no one is waiting. Releasing with the wrong token is a programming
// error and is reported as such rather than ignored.
func (t *LockTable) Release(sessionID, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ls, ok := t.locks[sessionID]
	if !ok || ls.holderToken != token {
		return errs.Newf(errs.Internal, "invalid lock release for session %s", sessionID)
	}

	if len(ls.queue) > 0 {
		next := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.holderToken = next.token
		close(next.ready)
		return nil
	}
	delete(t.locks, sessionID)
	return nil
}

// Held reports whether any operation currently holds the session's lock.
// The reaper uses this to skip sessions with in-flight work.
func (t *LockTable) Held(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[sessionID]
	return ok
}

// Waiters reports the current queue depth, for diagnostics.
func (t *LockTable) Waiters(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ls, ok := t.locks[sessionID]; ok {
		return len(ls.queue)
	}
	return 0
}
