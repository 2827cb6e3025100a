// Package downloads is the download record store: one row per requested
// file, carrying the user-visible state machine and the retry bookkeeping.
// Every state change funnels through the guarded transition helper so the
// legal-transition table is enforced in exactly one place.
package downloads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/bozzfozz/harmony-sub003/internal/model"
)

var (
	// ErrNotFound is returned when a download id does not exist.
	ErrNotFound = errors.New("download not found")
	// ErrIllegalTransition is returned when a state change violates the
	// transition table.
	ErrIllegalTransition = errors.New("illegal state transition")
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS downloads (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	filename        TEXT NOT NULL,
	username        TEXT NOT NULL,
	state           TEXT NOT NULL DEFAULT 'queued',
	progress        REAL NOT NULL DEFAULT 0,
	priority        INTEGER NOT NULL DEFAULT 0,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	next_retry_at   TIMESTAMP,
	last_error      TEXT,
	request_payload TEXT,
	job_id          TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads (state);
CREATE INDEX IF NOT EXISTS idx_downloads_retry ON downloads (state, next_retry_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS downloads (
	id              BIGSERIAL PRIMARY KEY,
	filename        TEXT NOT NULL,
	username        TEXT NOT NULL,
	state           TEXT NOT NULL DEFAULT 'queued',
	progress        DOUBLE PRECISION NOT NULL DEFAULT 0,
	priority        INTEGER NOT NULL DEFAULT 0,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	next_retry_at   TIMESTAMPTZ,
	last_error      TEXT,
	request_payload TEXT,
	job_id          TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads (state);
CREATE INDEX IF NOT EXISTS idx_downloads_retry ON downloads (state, next_retry_at);
`

// Store provides access to the downloads table.
type Store struct {
	db     *sqlx.DB
	driver string
	qb     squirrel.StatementBuilderType
	now    func() time.Time
}

// New wraps an open database handle. driver selects placeholder style and
// schema dialect ("sqlite3" or "postgres").
func New(db *sqlx.DB, driver string) *Store {
	format := squirrel.PlaceholderFormat(squirrel.Question)
	if driver == "postgres" {
		format = squirrel.Dollar
	}
	return &Store{
		db:     db,
		driver: driver,
		qb:     squirrel.StatementBuilder.PlaceholderFormat(format),
		now:    time.Now,
	}
}

// Migrate applies the schema for the configured driver.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate downloads: %w", err)
	}
	return nil
}

// Create inserts a new download row and fills in its assigned id.
func (s *Store) Create(ctx context.Context, d *model.Download) error {
	now := s.now().UTC()
	if d.State == "" {
		d.State = model.DownloadStateQueued
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	query := s.qb.Insert("downloads").
		Columns("filename", "username", "state", "progress", "priority",
			"retry_count", "next_retry_at", "last_error", "request_payload",
			"job_id", "created_at", "updated_at").
		Values(d.Filename, d.Username, d.State, d.Progress, d.Priority,
			d.RetryCount, d.NextRetryAt, d.LastError, d.RequestPayload,
			d.JobID, d.CreatedAt, d.UpdatedAt)

	if s.driver == "postgres" {
		sqlStr, args, err := query.Suffix("RETURNING id").ToSql()
		if err != nil {
			return err
		}
		return s.db.QueryRowxContext(ctx, sqlStr, args...).Scan(&d.ID)
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// Get returns one download row by id.
func (s *Store) Get(ctx context.Context, id int64) (*model.Download, error) {
	return getRow(ctx, s.db, s.qb, id)
}

// WithTx runs fn inside one transaction. The scheduler uses this to make its
// claim of due retries atomic with the scan that found them.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, qb: s.qb, now: s.now}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return sqlTx.Commit()
}

// AttachJob links a download row to the job that will execute it, writes the
// resolved priority into the stored request payload, and returns the row to
// queued if it was sitting in failed. next_retry_at is cleared so the
// invariant "non-null only while failed and retryable" holds.
func (s *Store) AttachJob(ctx context.Context, id int64, jobID string, priority int) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		row, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}

		req := rebuildRequest(row, priority)
		payload, err := req.Encode()
		if err != nil {
			return err
		}

		state := row.State
		if state == model.DownloadStateFailed {
			state = model.DownloadStateQueued
		}
		return tx.update(ctx, row, state, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
			return q.Set("job_id", jobID).
				Set("priority", priority).
				Set("request_payload", payload).
				Set("next_retry_at", nil)
		})
	})
}

// MarkDownloading promotes a queued row and records reported progress.
func (s *Store) MarkDownloading(ctx context.Context, id int64, progress float64) error {
	return s.transition(ctx, id, model.DownloadStateDownloading, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
		return q.Set("progress", model.ClampProgress(progress))
	})
}

// SetProgress updates progress without a state change.
func (s *Store) SetProgress(ctx context.Context, id int64, progress float64) error {
	return s.transitionSame(ctx, id, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
		return q.Set("progress", model.ClampProgress(progress))
	})
}

// MarkCompleted finishes a row: state completed, progress forced to 100.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	return s.transition(ctx, id, model.DownloadStateCompleted, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
		return q.Set("progress", 100.0).Set("next_retry_at", nil)
	})
}

// MarkCancelled applies a cancellation: terminal state, no retry bookkeeping.
func (s *Store) MarkCancelled(ctx context.Context, id int64) error {
	return s.transition(ctx, id, model.DownloadStateCancelled, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
		return q.Set("next_retry_at", nil)
	})
}

// MarkRetryPending records a transient failure: state failed, attempt count
// persisted both in retry_count and inside the stored request payload (so it
// survives a restart), next_retry_at set to the backoff deadline.
func (s *Store) MarkRetryPending(ctx context.Context, id int64, attempts int, lastErr string, nextRetryAt time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkRetryPending(ctx, id, attempts, lastErr, nextRetryAt)
	})
}

// MarkDeadLetter moves a row to the terminal dead_letter state.
func (s *Store) MarkDeadLetter(ctx context.Context, id int64, reason string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkDeadLetter(ctx, id, reason)
	})
}

// ClearRetryState resets retry bookkeeping after a successful attempt.
func (s *Store) ClearRetryState(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		row, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		payload := row.RequestPayload
		if req, err := model.ParseRetryRequest(row.RequestPayload); err == nil {
			req.Attempts = 0
			if encoded, err := req.Encode(); err == nil {
				payload = &encoded
			}
		}
		return tx.update(ctx, row, row.State, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
			return q.Set("retry_count", 0).
				Set("next_retry_at", nil).
				Set("request_payload", payload)
		})
	})
}

// RevertToFailed puts a claimed row back to failed with a fresh retry
// deadline. Used when handing a reclaimed download to the worker pool fails.
func (s *Store) RevertToFailed(ctx context.Context, id int64, lastErr string, nextRetryAt time.Time) error {
	return s.transition(ctx, id, model.DownloadStateFailed, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
		return q.Set("last_error", lastErr).Set("next_retry_at", nextRetryAt)
	})
}

// ListDeadLetters returns all dead-lettered rows, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]*model.Download, error) {
	query := s.qb.Select("*").From("downloads").
		Where(squirrel.Eq{"state": model.DownloadStateDeadLetter}).
		OrderBy("updated_at ASC")
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	var out []*model.Download
	if err := s.db.SelectContext(ctx, &out, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// Resurrect returns a dead-lettered row to the retry path: state failed,
// retry count reset, next_retry_at due immediately so the next scheduler
// scan reclaims it. This is an explicit operator action and deliberately
// bypasses the transition table, which treats dead_letter as terminal.
func (s *Store) Resurrect(ctx context.Context, id int64) error {
	now := s.now().UTC()
	query := s.qb.Update("downloads").
		Set("state", model.DownloadStateFailed).
		Set("retry_count", 0).
		Set("next_retry_at", now).
		Set("last_error", nil).
		Set("progress", 0).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": id, "state": model.DownloadStateDeadLetter})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("resurrect download %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("resurrect download %d: not found in dead_letter state", id)
	}
	return nil
}

func (s *Store) transition(ctx context.Context, id int64, to model.DownloadState, extra func(squirrel.UpdateBuilder) squirrel.UpdateBuilder) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		row, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		return tx.update(ctx, row, to, extra)
	})
}

func (s *Store) transitionSame(ctx context.Context, id int64, extra func(squirrel.UpdateBuilder) squirrel.UpdateBuilder) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		row, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		return tx.update(ctx, row, row.State, extra)
	})
}

// rebuildRequest derives the stored retry request for a row, preserving a
// previously mirrored attempt count.
func rebuildRequest(row *model.Download, priority int) *model.RetryRequest {
	attempts := 0
	if prev, err := model.ParseRetryRequest(row.RequestPayload); err == nil {
		attempts = prev.Attempts
	}
	return &model.RetryRequest{
		Filename: row.Filename,
		Username: row.Username,
		Priority: priority,
		Attempts: attempts,
	}
}

// Tx is a transaction-scoped view of the store.
type Tx struct {
	tx  *sqlx.Tx
	qb  squirrel.StatementBuilderType
	now func() time.Time
}

// Get returns one row within the transaction.
func (t *Tx) Get(ctx context.Context, id int64) (*model.Download, error) {
	return getRow(ctx, t.tx, t.qb, id)
}

// SelectDueRetries returns up to limit rows that are failed, within the
// retry budget, and whose backoff window has elapsed, earliest-due first.
func (t *Tx) SelectDueRetries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.Download, error) {
	query := t.qb.Select("*").From("downloads").
		Where(squirrel.Eq{"state": model.DownloadStateFailed}).
		Where(squirrel.NotEq{"next_retry_at": nil}).
		Where(squirrel.LtOrEq{"next_retry_at": now.UTC()}).
		Where(squirrel.LtOrEq{"retry_count": maxAttempts}).
		OrderBy("next_retry_at ASC").
		Limit(uint64(limit))
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	var out []*model.Download
	if err := t.tx.SelectContext(ctx, &out, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("select due retries: %w", err)
	}
	return out, nil
}

// Claim atomically takes a due retry: the row flips to queued with
// next_retry_at cleared, guarded by a state check so a concurrent scan that
// already claimed the row loses. Returns false when the row was not claimed.
func (t *Tx) Claim(ctx context.Context, id int64) (bool, error) {
	query := t.qb.Update("downloads").
		Set("state", model.DownloadStateQueued).
		Set("next_retry_at", nil).
		Set("progress", 0).
		Set("updated_at", t.now().UTC()).
		Where(squirrel.Eq{"id": id, "state": model.DownloadStateFailed}).
		Where(squirrel.NotEq{"next_retry_at": nil})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("claim download %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkRetryPending records a transient failure within the transaction.
func (t *Tx) MarkRetryPending(ctx context.Context, id int64, attempts int, lastErr string, nextRetryAt time.Time) error {
	row, err := t.Get(ctx, id)
	if err != nil {
		return err
	}

	payload := row.RequestPayload
	req := rebuildRequest(row, row.Priority)
	req.Attempts = attempts
	if encoded, err := req.Encode(); err == nil {
		payload = &encoded
	}

	return t.update(ctx, row, model.DownloadStateFailed, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
		return q.Set("retry_count", attempts).
			Set("next_retry_at", nextRetryAt.UTC()).
			Set("last_error", lastErr).
			Set("progress", 0).
			Set("request_payload", payload)
	})
}

// MarkDeadLetter moves a row to dead_letter within the transaction. The
// transition table only permits failed -> dead_letter, so a row caught in
// queued or downloading is routed through failed first.
func (t *Tx) MarkDeadLetter(ctx context.Context, id int64, reason string) error {
	row, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if !model.CanTransition(row.State, model.DownloadStateDeadLetter) {
		if err := t.update(ctx, row, model.DownloadStateFailed, nil); err != nil {
			return err
		}
		row.State = model.DownloadStateFailed
	}
	return t.update(ctx, row, model.DownloadStateDeadLetter, func(q squirrel.UpdateBuilder) squirrel.UpdateBuilder {
		return q.Set("last_error", reason).Set("next_retry_at", nil)
	})
}

// update is the single mutation point: it validates the state change against
// the transition table, stamps updated_at, and applies any extra column sets.
func (t *Tx) update(ctx context.Context, row *model.Download, to model.DownloadState, extra func(squirrel.UpdateBuilder) squirrel.UpdateBuilder) error {
	if !model.CanTransition(row.State, to) {
		return fmt.Errorf("download %d: %s -> %s: %w", row.ID, row.State, to, ErrIllegalTransition)
	}

	query := t.qb.Update("downloads").
		Set("state", to).
		Set("updated_at", t.now().UTC()).
		Where(squirrel.Eq{"id": row.ID})
	if extra != nil {
		query = extra(query)
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("update download %d: %w", row.ID, err)
	}
	return nil
}

type queryer interface {
	sqlx.QueryerContext
}

func getRow(ctx context.Context, q queryer, qb squirrel.StatementBuilderType, id int64) (*model.Download, error) {
	query := qb.Select("*").From("downloads").Where(squirrel.Eq{"id": id})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	var d model.Download
	err = sqlx.GetContext(ctx, q, &d, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get download %d: %w", id, err)
	}
	return &d, nil
}
