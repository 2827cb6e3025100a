// Package scheduler runs the long-horizon retry path: a periodic scan of the
// download record store for failed rows whose backoff window has elapsed.
// It is the backstop for retries the worker pool lost, either because a
// delayed task failed or because the whole process restarted.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bozzfozz/harmony-sub003/internal/activity"
	"github.com/bozzfozz/harmony-sub003/internal/backoff"
	"github.com/bozzfozz/harmony-sub003/internal/config"
	"github.com/bozzfozz/harmony-sub003/internal/model"
	"github.com/bozzfozz/harmony-sub003/internal/observability"
	"github.com/bozzfozz/harmony-sub003/internal/store/downloads"
)

// Enqueuer is the slice of the worker pool the scheduler hands work to.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *model.JobPayload) (*model.Job, error)
}

// RetryScheduler periodically reclaims due retries and funnels them back
// into the worker pool.
type RetryScheduler struct {
	downloads *downloads.Store
	pool      Enqueuer
	policies  *backoff.PolicyProvider
	calc      *backoff.Calculator
	recorder  activity.Recorder
	log       observability.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	batch     int
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stopped scheduler.
func New(
	store *downloads.Store,
	pool Enqueuer,
	policies *backoff.PolicyProvider,
	calc *backoff.Calculator,
	recorder activity.Recorder,
	log observability.Logger,
	metrics *observability.Metrics,
	cfg config.RetryConfig,
) *RetryScheduler {
	return &RetryScheduler{
		downloads: store,
		pool:      pool,
		policies:  policies,
		calc:      calc,
		recorder:  recorder,
		log:       log.WithFields(map[string]interface{}{"component": "retry_scheduler"}),
		metrics:   metrics,
		interval:  cfg.ScanInterval,
		batch:     cfg.BatchLimit,
		now:       time.Now,
	}
}

// Start launches the periodic scan loop. A no-op when already running.
func (s *RetryScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := s.Scan(loopCtx); err != nil {
					// The scan is naturally repeatable; the next tick
					// retries.
					s.log.Error("retry scan failed", "error", err)
				}
			}
		}
	}()

	s.log.Info("retry scheduler started", "scan_interval", s.interval.String(), "batch_limit", s.batch)
}

// Stop halts the scan loop. Idempotent.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("retry scheduler stopped")
}

// claimedRetry is one row taken by a scan, with its rebuilt payload.
type claimedRetry struct {
	row     *model.Download
	payload *model.JobPayload
}

// Scan runs a single tick: select due rows, claim them atomically inside one
// transaction, then hand each claim to the worker pool. A hand-off failure
// reverts the row to failed with a fresh backoff deadline computed from its
// current retry count.
func (s *RetryScheduler) Scan(ctx context.Context) error {
	policy := s.policies.Policy(ctx)
	now := s.now().UTC()

	var claims []claimedRetry
	err := s.downloads.WithTx(ctx, func(tx *downloads.Tx) error {
		due, err := tx.SelectDueRetries(ctx, now, policy.MaxAttempts, s.batch)
		if err != nil {
			return err
		}

		for _, row := range due {
			req, perr := model.ParseRetryRequest(row.RequestPayload)
			if perr != nil {
				// Unrecoverable: without a payload there is nothing to
				// resubmit. One bad row must not block the batch.
				if dlErr := tx.MarkDeadLetter(ctx, row.ID, fmt.Sprintf("cannot rebuild retry payload: %v", perr)); dlErr != nil {
					s.log.Error("failed to dead-letter unrecoverable row", "download_id", row.ID, "error", dlErr)
					continue
				}
				s.metrics.DeadLettered()
				s.recorder.Record(ctx, activity.CategoryDownload, activity.StatusDeadLetter, map[string]interface{}{
					"download_id": row.ID,
					"error":       perr.Error(),
				})
				s.log.Warn("dead-lettered download with unrecoverable payload", "download_id", row.ID, "error", perr)
				continue
			}

			ok, err := tx.Claim(ctx, row.ID)
			if err != nil {
				s.log.Error("failed to claim due retry", "download_id", row.ID, "error", err)
				continue
			}
			if !ok {
				// A concurrent scan got there first.
				continue
			}

			priority := req.Priority
			if priority == 0 {
				priority = row.Priority
			}
			claims = append(claims, claimedRetry{
				row: row,
				payload: &model.JobPayload{
					Username: req.Username,
					Priority: priority,
					Files: []model.FileDescriptor{{
						Filename:   req.Filename,
						DownloadID: row.ID,
						Priority:   &priority,
					}},
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry scan: %w", err)
	}

	for _, claim := range claims {
		s.metrics.SchedulerClaimed()
		if _, err := s.pool.Enqueue(ctx, claim.payload); err != nil {
			s.revert(ctx, policy, claim.row, err)
			continue
		}
		s.metrics.RetryScheduled("scheduler")
		s.recorder.Record(ctx, activity.CategoryDownloadRetry, activity.StatusScheduled, map[string]interface{}{
			"download_id": claim.row.ID,
			"attempt":     claim.row.RetryCount,
			"path":        "scheduler",
		})
	}

	if len(claims) > 0 {
		s.log.Info("reclaimed due retries", "count", len(claims))
	}
	return nil
}

// revert puts a claimed row back to failed after a hand-off failure. The
// backoff is computed from the row's current retry count; the failed
// hand-off is not an attempt.
func (s *RetryScheduler) revert(ctx context.Context, policy backoff.Policy, row *model.Download, cause error) {
	next := s.now().UTC().Add(s.calc.DelayWithPolicy(policy, row.RetryCount))
	if err := s.downloads.RevertToFailed(ctx, row.ID, cause.Error(), next); err != nil {
		s.log.Error("failed to revert claimed retry", "download_id", row.ID, "error", err)
		return
	}
	s.recorder.Record(ctx, activity.CategoryDownloadRetry, activity.StatusFailed, map[string]interface{}{
		"download_id": row.ID,
		"error":       cause.Error(),
	})
	s.log.Warn("retry hand-off failed, rescheduled", "download_id", row.ID, "next_retry_at", next.Format(time.RFC3339), "error", cause)
}
