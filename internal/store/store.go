// Package store persists task records in an embedded SQLite database.
//
// One row per tracked issue, written exclusively by the orchestration
// engine. The store survives process restarts; all operations are atomic
// with respect to each other.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/logging"
)

// ErrNotFound indicates the requested task record does not exist.
var ErrNotFound = errors.New("task record not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	key                    TEXT PRIMARY KEY,
	phase                  TEXT NOT NULL,
	summary                TEXT NOT NULL DEFAULT '',
	description            TEXT NOT NULL DEFAULT '',
	plan                   TEXT NOT NULL DEFAULT '',
	branch_name            TEXT NOT NULL DEFAULT '',
	workspace_path         TEXT NOT NULL DEFAULT '',
	pr_number              INTEGER NOT NULL DEFAULT 0,
	pr_url                 TEXT NOT NULL DEFAULT '',
	reviewer_notes         TEXT NOT NULL DEFAULT '',
	conversation_token     TEXT NOT NULL DEFAULT '',
	accrued_cost           REAL NOT NULL DEFAULT 0,
	plan_posted_at         TIMESTAMP,
	last_feedback_check_at TIMESTAMP,
	created_at             TIMESTAMP NOT NULL,
	updated_at             TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_phase ON tasks(phase);
`

// Store is the durable task state store.
type Store struct {
	db     *sql.DB
	logger *logging.Logger

	// sqlite serializes writers itself; the mutex additionally keeps
	// read-merge-write in Upsert atomic with respect to concurrent reads
	// from other goroutines in this process.
	mu sync.Mutex
}

// Open opens (creating if needed) the task database at path.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply task schema: %w", err)
	}

	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, key)
}

func (s *Store) get(ctx context.Context, key string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, phase, summary, description, plan, branch_name,
		       workspace_path, pr_number, pr_url, reviewer_notes,
		       conversation_token, accrued_cost, plan_posted_at,
		       last_feedback_check_at, created_at, updated_at
		FROM tasks WHERE key = ?`, key)
	return scanRecord(row)
}

// Upsert inserts or partially updates the record for key. Only fields set in
// patch change; updated_at always refreshes.
func (s *Store) Upsert(ctx context.Context, key string, patch Patch) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	rec, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		rec = &TaskRecord{Key: key, Phase: PhaseNew, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}

	applyPatch(rec, patch)
	rec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (key, phase, summary, description, plan,
			branch_name, workspace_path, pr_number, pr_url, reviewer_notes,
			conversation_token, accrued_cost, plan_posted_at,
			last_feedback_check_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			phase = excluded.phase,
			summary = excluded.summary,
			description = excluded.description,
			plan = excluded.plan,
			branch_name = excluded.branch_name,
			workspace_path = excluded.workspace_path,
			pr_number = excluded.pr_number,
			pr_url = excluded.pr_url,
			reviewer_notes = excluded.reviewer_notes,
			conversation_token = excluded.conversation_token,
			accrued_cost = excluded.accrued_cost,
			plan_posted_at = excluded.plan_posted_at,
			last_feedback_check_at = excluded.last_feedback_check_at,
			updated_at = excluded.updated_at`,
		rec.Key, string(rec.Phase), rec.Summary, rec.Description, rec.Plan,
		rec.BranchName, rec.WorkspacePath, rec.PRNumber, rec.PRURL,
		rec.ReviewerNotes, rec.ConversationToken, rec.AccruedCost,
		nullableTime(rec.PlanPostedAt), nullableTime(rec.LastFeedbackCheckAt),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert task %s: %w", key, err)
	}

	s.logger.Debug(ctx, "task record upserted",
		zap.String("key", key), zap.String("phase", string(rec.Phase)))
	return rec, nil
}

// ListByPhase returns all records currently in the given phase.
func (s *Store) ListByPhase(ctx context.Context, phase Phase) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, phase, summary, description, plan, branch_name,
		       workspace_path, pr_number, pr_url, reviewer_notes,
		       conversation_token, accrued_cost, plan_posted_at,
		       last_feedback_check_at, created_at, updated_at
		FROM tasks WHERE phase = ? ORDER BY created_at`, string(phase))
	if err != nil {
		return nil, fmt.Errorf("list tasks by phase %s: %w", phase, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListAll returns every tracked record.
func (s *Store) ListAll(ctx context.Context) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, phase, summary, description, plan, branch_name,
		       workspace_path, pr_number, pr_url, reviewer_notes,
		       conversation_token, accrued_cost, plan_posted_at,
		       last_feedback_check_at, created_at, updated_at
		FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Delete removes the record for key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete task %s: %w", key, err)
	}
	return nil
}

// CountByPhase returns the number of tracked tasks per phase.
func (s *Store) CountByPhase(ctx context.Context) (map[Phase]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(*) FROM tasks GROUP BY phase`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Phase]int)
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, fmt.Errorf("scan phase count: %w", err)
		}
		counts[Phase(phase)] = n
	}
	return counts, rows.Err()
}

func applyPatch(rec *TaskRecord, p Patch) {
	if p.Phase != nil {
		rec.Phase = *p.Phase
	}
	if p.Summary != nil {
		rec.Summary = *p.Summary
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.Plan != nil {
		rec.Plan = *p.Plan
	}
	if p.BranchName != nil {
		rec.BranchName = *p.BranchName
	}
	if p.WorkspacePath != nil {
		rec.WorkspacePath = *p.WorkspacePath
	}
	if p.PRNumber != nil {
		rec.PRNumber = *p.PRNumber
	}
	if p.PRURL != nil {
		rec.PRURL = *p.PRURL
	}
	if p.ReviewerNotes != nil {
		rec.ReviewerNotes = *p.ReviewerNotes
	}
	if p.ConversationToken != nil {
		rec.ConversationToken = *p.ConversationToken
	}
	if p.AccruedCost != nil {
		rec.AccruedCost = *p.AccruedCost
	}
	if p.PlanPostedAt != nil {
		rec.PlanPostedAt = *p.PlanPostedAt
	}
	if p.LastFeedbackCheckAt != nil {
		rec.LastFeedbackCheckAt = *p.LastFeedbackCheckAt
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*TaskRecord, error) {
	var rec TaskRecord
	var phase string
	var planPostedAt, lastCheckAt sql.NullTime

	err := row.Scan(&rec.Key, &phase, &rec.Summary, &rec.Description,
		&rec.Plan, &rec.BranchName, &rec.WorkspacePath, &rec.PRNumber,
		&rec.PRURL, &rec.ReviewerNotes, &rec.ConversationToken,
		&rec.AccruedCost, &planPostedAt, &lastCheckAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task record: %w", err)
	}

	rec.Phase = Phase(phase)
	if planPostedAt.Valid {
		t := planPostedAt.Time
		rec.PlanPostedAt = &t
	}
	if lastCheckAt.Valid {
		t := lastCheckAt.Time
		rec.LastFeedbackCheckAt = &t
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*TaskRecord, error) {
	var records []*TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
