// Package archive persists finalized conversation transcripts to SQLite.
// Live sessions never touch it; only finalize_conversation writes here, and
// the store is entirely optional (no state dir configured means no archive).
package archive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"

	"github.com/reasonbridge/reasonbridge/internal/health"
	"github.com/reasonbridge/reasonbridge/internal/session"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is a SQLite-backed transcript archive.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the archive database at path and applies pending
// migrations. SQLite handles one writer; the connection pool is pinned to a
// single connection to avoid lock contention.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	return &Store{db: db, log: log.With("component", "archive")}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Archive writes one finalized transcript and returns its reference, of the
// form "transcripts/<row id>". Implements session.Archiver.
func (s *Store) Archive(ctx context.Context, sessionID string, turns []session.Turn, summary string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, summary, turn_count) VALUES (?, ?, ?)`,
		sessionID, summary, len(turns),
	)
	if err != nil {
		return "", fmt.Errorf("insert transcript: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("transcript id: %w", err)
	}

	for i, turn := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transcript_turns (transcript_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, i, string(turn.Role), turn.Content, turn.Timestamp.UTC().Format(time.RFC3339),
		); err != nil {
			return "", fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit archive tx: %w", err)
	}

	ref := fmt.Sprintf("transcripts/%d", id)
	s.log.Info("transcript archived", "sessionId", sessionID, "ref", ref, "turns", len(turns))
	return ref, nil
}

// Record is one archived transcript header.
type Record struct {
	Ref        string
	SessionID  string
	Summary    string
	TurnCount  int
	ArchivedAt string
}

// Recent lists the newest archived transcripts, for diagnostics.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, summary, turn_count, archived_at FROM transcripts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Record
	for rows.Next() {
		var id int64
		var r Record
		if err := rows.Scan(&id, &r.SessionID, &r.Summary, &r.TurnCount, &r.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		r.Ref = fmt.Sprintf("transcripts/%d", id)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Turns returns the ordered turns of an archived transcript by reference.
func (s *Store) Turns(ctx context.Context, ref string) ([]session.Turn, error) {
	var id int64
	if _, err := fmt.Sscanf(ref, "transcripts/%d", &id); err != nil {
		return nil, fmt.Errorf("malformed transcript ref %q", ref)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM transcript_turns WHERE transcript_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []session.Turn
	for rows.Next() {
		var role, content, created string
		if err := rows.Scan(&role, &content, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339, created)
		out = append(out, session.Turn{Role: session.Role(role), Content: content, Timestamp: ts})
	}
	return out, rows.Err()
}

// --- health check ---

// Name implements health.Check.
func (s *Store) Name() string { return "transcript-archive" }

// Run implements health.Check by reading back the newest archived
// transcript, exercising both query paths end to end.
func (s *Store) Run(ctx context.Context) health.CheckResult {
	res := health.CheckResult{Name: s.Name(), Status: health.Healthy}

	recs, err := s.Recent(ctx, 1)
	if err != nil {
		res.Status = health.Unhealthy
		res.Detail = "list transcripts: " + err.Error()
		return res
	}
	if len(recs) == 0 {
		res.Detail = "archive empty"
		return res
	}

	turns, err := s.Turns(ctx, recs[0].Ref)
	if err != nil {
		res.Status = health.Unhealthy
		res.Detail = "read " + recs[0].Ref + ": " + err.Error()
		return res
	}
	res.Detail = fmt.Sprintf("newest %s holds %d turns", recs[0].Ref, len(turns))
	return res
}
