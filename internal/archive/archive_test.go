package archive

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/reasonbridge/reasonbridge/internal/health"
	"github.com/reasonbridge/reasonbridge/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestArchiveRoundTrip(t *testing.T) {
	s := openTestStore(t)

	turns := []session.Turn{
		{Role: session.RoleCaller, Content: "why is the queue stuck?", Timestamp: time.Now()},
		{Role: session.RoleReasoner, Content: "the consumer deadlocks on ack", Timestamp: time.Now()},
	}
	ref, err := s.Archive(context.Background(), "sess-1", turns, "consumer deadlock on ack")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if ref != "transcripts/1" {
		t.Errorf("ref = %q", ref)
	}

	got, err := s.Turns(context.Background(), ref)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d turns, want 2", len(got))
	}
	if got[0].Role != session.RoleCaller || got[0].Content != "why is the queue stuck?" {
		t.Errorf("turn 0 = %+v", got[0])
	}
	if got[1].Role != session.RoleReasoner {
		t.Errorf("turn 1 = %+v", got[1])
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Archive(context.Background(), id, nil, "summary "+id); err != nil {
			t.Fatalf("Archive(%s): %v", id, err)
		}
	}

	recs, err := s.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].SessionID != "c" || recs[1].SessionID != "b" {
		t.Errorf("order = %s, %s", recs[0].SessionID, recs[1].SessionID)
	}
}

func TestTurns_MalformedRef(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Turns(context.Background(), "nonsense"); err == nil {
		t.Error("malformed ref should fail")
	}
}

func TestHealthCheck(t *testing.T) {
	s := openTestStore(t)

	res := s.Run(context.Background())
	if res.Name != "transcript-archive" || res.Status != health.Healthy {
		t.Fatalf("empty archive: %+v", res)
	}
	if res.Detail != "archive empty" {
		t.Errorf("detail = %q", res.Detail)
	}

	turns := []session.Turn{
		{Role: session.RoleCaller, Content: "hello", Timestamp: time.Now()},
	}
	if _, err := s.Archive(context.Background(), "sess-1", turns, "greeting"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	res = s.Run(context.Background())
	if res.Status != health.Healthy {
		t.Fatalf("after archive: %+v", res)
	}
	if res.Detail != "newest transcripts/1 holds 1 turns" {
		t.Errorf("detail = %q", res.Detail)
	}

	// A closed database surfaces as unhealthy rather than a panic.
	s.Close() //nolint:errcheck
	if res := s.Run(context.Background()); res.Status != health.Unhealthy {
		t.Errorf("closed db: %+v", res)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	log := slog.New(slog.DiscardHandler)

	s1, err := Open(context.Background(), path, log)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.Archive(context.Background(), "s", nil, ""); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	s1.Close() //nolint:errcheck

	// Reopening applies no new migrations and keeps existing rows.
	s2, err := Open(context.Background(), path, log)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close() //nolint:errcheck
	recs, err := s2.Recent(context.Background(), 10)
	if err != nil || len(recs) != 1 {
		t.Errorf("recs = %v, err = %v", recs, err)
	}
}
