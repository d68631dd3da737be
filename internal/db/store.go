// Package db is the sqlite journal of debugging sessions and breakpoint
// decisions seen by a coordinator process.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dillproject/dill/internal/trees"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	OutcomeDelivered  = "delivered"
	OutcomeNoReceiver = "no_receiver"
)

type Store struct {
	db    *sql.DB
	clock clock.Clock
	runID string
}

// SessionRecord summarises the posts seen for one session in one run.
type SessionRecord struct {
	RunID           string
	SessionID       trees.SessionID
	SessionName     string
	LastTab         string
	FirstSeenAt     time.Time
	LastPostedAt    time.Time
	PostCount       int64
	DebuggablePosts int64
}

// Decision is one breakpoint decision taken by the client.
type Decision struct {
	DecisionID string
	RunID      string
	SessionID  trees.SessionID
	Action     string
	Skips      int32
	Outcome    string
	DecidedAt  time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithClock(ctx, path, clock.New())
}

// OpenWithClock opens the journal using clk for every timestamp it writes.
func OpenWithClock(ctx context.Context, path string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, clock: clk, runID: uuid.NewString()}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// RunID identifies this coordinator process in the journal.
func (s *Store) RunID() string {
	return s.runID
}

// BeginRun records the start of this process. Session ids restart with every
// run, so every other row is keyed by the run as well.
func (s *Store) BeginRun(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, address, started_at) VALUES (?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET address=excluded.address
`, s.runID, address, ts(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// RecordPost counts one tree posted for id.
func (s *Store) RecordPost(ctx context.Context, id trees.SessionID, name, tab string, debuggable bool) error {
	if id < 0 {
		return fmt.Errorf("%w: session id %d", ErrInvalidInput, id)
	}
	now := ts(s.clock.Now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(run_id, session_id, session_name, last_tab, first_seen_at, last_posted_at, post_count, debuggable_posts)
VALUES (?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(run_id, session_id) DO UPDATE SET
	session_name=excluded.session_name,
	last_tab=CASE WHEN excluded.last_tab != '' THEN excluded.last_tab ELSE sessions.last_tab END,
	last_posted_at=excluded.last_posted_at,
	post_count=sessions.post_count + 1,
	debuggable_posts=sessions.debuggable_posts + excluded.debuggable_posts
`, s.runID, int32(id), name, tab, now, now, boolToInt(debuggable))
	if err != nil {
		return fmt.Errorf("record post: %w", err)
	}
	return nil
}

// RecordDecision journals a breakpoint decision and its outcome.
func (s *Store) RecordDecision(ctx context.Context, id trees.SessionID, action string, skips int32, outcome string) (Decision, error) {
	if skips < 0 {
		return Decision{}, fmt.Errorf("%w: negative skips", ErrInvalidInput)
	}
	d := Decision{
		DecisionID: uuid.NewString(),
		RunID:      s.runID,
		SessionID:  id,
		Action:     action,
		Skips:      skips,
		Outcome:    outcome,
		DecidedAt:  s.clock.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO breakpoint_decisions(decision_id, run_id, session_id, action, skips, outcome, decided_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, d.DecisionID, d.RunID, int32(d.SessionID), d.Action, d.Skips, d.Outcome, ts(d.DecidedAt))
	if err != nil {
		return Decision{}, fmt.Errorf("record decision: %w", err)
	}
	return d, nil
}

// ListSessions returns the sessions of runID, or of the current run when
// runID is empty, ordered by session id.
func (s *Store) ListSessions(ctx context.Context, runID string) ([]SessionRecord, error) {
	if runID == "" {
		runID = s.runID
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, session_id, session_name, last_tab, first_seen_at, last_posted_at, post_count, debuggable_posts
FROM sessions
WHERE run_id = ?
ORDER BY session_id ASC
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []SessionRecord
	for rows.Next() {
		var (
			rec       SessionRecord
			sessionID int32
			firstSeen string
			lastPost  string
		)
		if err := rows.Scan(&rec.RunID, &sessionID, &rec.SessionName, &rec.LastTab, &firstSeen, &lastPost, &rec.PostCount, &rec.DebuggablePosts); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.SessionID = trees.SessionID(sessionID)
		if rec.FirstSeenAt, err = parseTS(firstSeen); err != nil {
			return nil, fmt.Errorf("parse first_seen_at: %w", err)
		}
		if rec.LastPostedAt, err = parseTS(lastPost); err != nil {
			return nil, fmt.Errorf("parse last_posted_at: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, id trees.SessionID) (SessionRecord, error) {
	recs, err := s.ListSessions(ctx, "")
	if err != nil {
		return SessionRecord{}, err
	}
	for _, rec := range recs {
		if rec.SessionID == id {
			return rec, nil
		}
	}
	return SessionRecord{}, ErrNotFound
}

// ListDecisions returns the most recent decisions of the current run, newest
// first. A non-positive limit returns all of them.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]Decision, error) {
	query := `
SELECT decision_id, run_id, session_id, action, skips, outcome, decided_at
FROM breakpoint_decisions
WHERE run_id = ?
ORDER BY decided_at DESC, rowid DESC
`
	args := []any{s.runID}
	if limit > 0 {
		query += "LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Decision
	for rows.Next() {
		var (
			d         Decision
			sessionID int32
			decidedAt string
		)
		if err := rows.Scan(&d.DecisionID, &d.RunID, &sessionID, &d.Action, &d.Skips, &d.Outcome, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.SessionID = trees.SessionID(sessionID)
		if d.DecidedAt, err = parseTS(decidedAt); err != nil {
			return nil, fmt.Errorf("parse decided_at: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

// PruneBefore deletes earlier runs started before cutoff, together with
// their sessions and decisions. The current run is always kept.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ? AND run_id != ?`, ts(cutoff), s.runID)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs rows affected: %w", err)
	}
	return n, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
