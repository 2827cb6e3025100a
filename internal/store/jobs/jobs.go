// Package jobs is the durable job store: an append-only sqlite table that
// records every unit of work handed to the sync worker. It is the source of
// truth for what was in flight when the process died; jobs are archived as
// completed or failed, never deleted.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bozzfozz/harmony-sub003/internal/model"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	priority   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
`

// Store persists jobs in a local sqlite database.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open creates (or opens) the job database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Enqueue persists a new pending job and returns it with its assigned id.
// The job is immediately visible to ListPending.
func (s *Store) Enqueue(ctx context.Context, payload *model.JobPayload) (*model.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	now := s.now().UTC()
	job := &model.Job{
		ID:        uuid.NewString(),
		Payload:   string(raw),
		Status:    model.JobStatusPending,
		Priority:  payload.QueuePriority(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, payload, status, priority, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Payload, job.Status, job.Priority, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// MarkRunning transitions a job to running. Idempotent.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.JobStatusRunning, nil)
}

// MarkCompleted archives a job as completed. Idempotent.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.JobStatusCompleted, nil)
}

// MarkFailed archives a job as failed and records the error text. Idempotent.
func (s *Store) MarkFailed(ctx context.Context, id string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return s.setStatus(ctx, id, model.JobStatusFailed, &msg)
}

func (s *Store) setStatus(ctx context.Context, id string, status model.JobStatus, lastError *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = COALESCE(?, last_error), updated_at = ? WHERE id = ?`,
		status, lastError, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("update job %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// ListPending returns all pending jobs ordered by descending priority, then
// submission order. The worker pool calls this once at startup to rebuild
// its in-memory queue.
func (s *Store) ListPending(ctx context.Context) ([]*model.Job, error) {
	var out []*model.Job
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM jobs WHERE status = ? ORDER BY priority DESC, created_at ASC, rowid ASC`,
		model.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return out, nil
}

// RequeueIncomplete returns every job still marked running back to pending,
// so a later startup replays it. This is the crash-recovery contract: a job
// is never silently lost because the process died mid-execution.
func (s *Store) RequeueIncomplete(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		model.JobStatusPending, s.now().UTC(), model.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue incomplete jobs: %w", err)
	}
	return res.RowsAffected()
}
