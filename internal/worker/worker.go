// Package worker runs the download execution pool: a fixed number of worker
// loops fed from an in-memory priority queue, one adaptive polling loop that
// mirrors remote transfer state into the record store, and the short-horizon
// retry path (delayed in-process resubmission with exponential backoff).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bozzfozz/harmony-sub003/internal/activity"
	"github.com/bozzfozz/harmony-sub003/internal/backoff"
	"github.com/bozzfozz/harmony-sub003/internal/config"
	"github.com/bozzfozz/harmony-sub003/internal/model"
	"github.com/bozzfozz/harmony-sub003/internal/observability"
	"github.com/bozzfozz/harmony-sub003/internal/slskd"
	"github.com/bozzfozz/harmony-sub003/internal/store/downloads"
	"github.com/bozzfozz/harmony-sub003/internal/store/jobs"
)

// Deps bundles the collaborators of the sync worker.
type Deps struct {
	Jobs      *jobs.Store
	Downloads *downloads.Store
	Client    slskd.Client
	Activity  activity.Recorder
	Policies  *backoff.PolicyProvider
	Backoff   *backoff.Calculator
	Logger    observability.Logger
	Metrics   *observability.Metrics
}

// SyncWorker is the execution worker pool. One instance owns the in-memory
// queue, the pending-cancellation set and the per-download attempt counters.
type SyncWorker struct {
	jobs      *jobs.Store
	downloads *downloads.Store
	client    slskd.Client
	recorder  activity.Recorder
	policies  *backoff.PolicyProvider
	calc      *backoff.Calculator
	log       observability.Logger
	metrics   *observability.Metrics
	cfg       config.WorkerConfig

	mu         sync.Mutex
	running    bool
	queue      *jobQueue
	loops      *errgroup.Group
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	// stateMu guards the cancellation set and attempt counters; both are
	// touched from worker loops, the poll loop and the public API.
	stateMu       sync.Mutex
	pendingCancel map[int64]struct{}
	attempts      map[int64]int

	// retryMu guards the delayed-retry task registry so Stop can cancel
	// every outstanding task deterministically.
	retryMu       sync.Mutex
	acceptRetries bool
	retryTasks    map[int64]retryTask
	retrySeq      uint64
	retryWG       sync.WaitGroup
}

// retryTask is one registered delayed-retry task. The sequence number lets a
// replaced task's cleanup distinguish its own registry entry from a
// successor's.
type retryTask struct {
	cancel context.CancelFunc
	seq    uint64
}

// New builds a stopped sync worker.
func New(deps Deps, cfg config.WorkerConfig) *SyncWorker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &SyncWorker{
		jobs:          deps.Jobs,
		downloads:     deps.Downloads,
		client:        deps.Client,
		recorder:      deps.Activity,
		policies:      deps.Policies,
		calc:          deps.Backoff,
		log:           deps.Logger.WithFields(map[string]interface{}{"component": "sync_worker"}),
		metrics:       deps.Metrics,
		cfg:           cfg,
		pendingCancel: make(map[int64]struct{}),
		attempts:      make(map[int64]int),
		acceptRetries: true,
		retryTasks:    make(map[int64]retryTask),
	}
}

// Running reports whether the pool is started.
func (w *SyncWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start loads pending jobs from the durable store into a fresh priority
// queue and spawns the worker and polling loops. A no-op when already
// running.
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	// A hard crash leaves jobs stuck in running; reclaim them before the
	// replay so no accepted work is lost.
	requeued, err := w.jobs.RequeueIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("requeue incomplete jobs: %w", err)
	}
	if requeued > 0 {
		w.log.Info("reclaimed jobs interrupted by a previous run", "count", requeued)
	}

	pending, err := w.jobs.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}

	w.queue = newJobQueue()
	for _, job := range pending {
		w.queue.Push(job.Priority, job)
	}
	w.metrics.SetQueueDepth(w.queue.Len())

	group, loopCtx := errgroup.WithContext(context.Background())
	for i := 0; i < w.cfg.Concurrency; i++ {
		loop := i
		queue := w.queue
		group.Go(func() error {
			w.workerLoop(loopCtx, loop, queue)
			return nil
		})
	}
	w.loops = group

	pollCtx, pollCancel := context.WithCancel(context.Background())
	w.pollCancel = pollCancel
	w.pollDone = make(chan struct{})
	go w.pollLoop(pollCtx)

	w.retryMu.Lock()
	w.acceptRetries = true
	w.retryMu.Unlock()

	w.running = true
	w.log.Info("sync worker started",
		"concurrency", w.cfg.Concurrency,
		"replayed_jobs", len(pending))
	return nil
}

// Stop drains the pool: one poison pill per worker loop, waits for in-flight
// jobs to finish, cancels the polling loop and all tracked delayed-retry
// tasks, then returns any still-running job to pending in the durable store.
// Idempotent and safe to call when not running.
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	queue := w.queue
	loops := w.loops
	pollCancel := w.pollCancel
	pollDone := w.pollDone
	w.mu.Unlock()

	for i := 0; i < w.cfg.Concurrency; i++ {
		queue.PushSentinel()
	}
	// Loops never return errors; Wait is for joining only.
	_ = loops.Wait()

	pollCancel()
	<-pollDone

	w.retryMu.Lock()
	w.acceptRetries = false
	for _, task := range w.retryTasks {
		task.cancel()
	}
	w.retryMu.Unlock()
	w.retryWG.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	requeued, err := w.jobs.RequeueIncomplete(ctx)
	if err != nil {
		w.log.Error("failed to requeue incomplete jobs", "error", err)
	} else if requeued > 0 {
		w.log.Info("requeued incomplete jobs for next start", "count", requeued)
	}

	w.recorder.Record(ctx, activity.CategoryDownload, activity.StatusStopped, map[string]interface{}{
		"stopped_at": time.Now().UTC().Format(time.RFC3339),
	})
	w.log.Info("sync worker stopped")
	return nil
}

// Enqueue persists a job, links it to the download rows it touches, and
// hands it to the pool. When the pool is not running the job executes
// synchronously in the caller's context, so enqueue never drops work.
func (w *SyncWorker) Enqueue(ctx context.Context, payload *model.JobPayload) (*model.Job, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	job, err := w.jobs.Enqueue(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	for _, f := range payload.Files {
		if f.DownloadID == 0 {
			continue
		}
		row, err := w.downloads.Get(ctx, f.DownloadID)
		if err != nil {
			w.log.Warn("enqueue references unknown download", "download_id", f.DownloadID, "error", err)
			continue
		}
		priority := payload.ResolvedPriority(f, row.Priority)
		if err := w.downloads.AttachJob(ctx, f.DownloadID, job.ID, priority); err != nil {
			w.log.Warn("failed to attach job to download", "download_id", f.DownloadID, "job_id", job.ID, "error", err)
		}
	}

	w.mu.Lock()
	running := w.running
	if running {
		w.queue.Push(job.Priority, job)
		w.metrics.SetQueueDepth(w.queue.Len())
	}
	w.mu.Unlock()

	if !running {
		w.runJob(ctx, job)
		w.refreshDownloads(ctx)
	}
	return job, nil
}

// RequestCancel flags a download for cancellation. Undispatched work is
// skipped at the next dequeue; an already-active transfer gets a best-effort
// remote cancel on the next poll tick.
func (w *SyncWorker) RequestCancel(downloadID int64) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.pendingCancel[downloadID] = struct{}{}
}

// Attempts returns the tracked attempt counter for a download.
func (w *SyncWorker) Attempts(downloadID int64) int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.attempts[downloadID]
}

func (w *SyncWorker) workerLoop(ctx context.Context, loop int, queue *jobQueue) {
	log := w.log.WithFields(map[string]interface{}{"loop": loop})
	for {
		item := queue.Pop()
		w.metrics.SetQueueDepth(queue.Len())
		if item.job == nil {
			log.Debug("worker loop exiting")
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic while processing job", "job_id", item.job.ID, "panic", r)
				}
			}()
			w.runJob(ctx, item.job)
		}()
	}
}

// runJob drives one job through the durable store lifecycle. Errors are
// absorbed here: they mark the job failed and surface through the activity
// log, never to the loop.
func (w *SyncWorker) runJob(ctx context.Context, job *model.Job) {
	if err := w.jobs.MarkRunning(ctx, job.ID); err != nil {
		w.log.Warn("failed to mark job running", "job_id", job.ID, "error", err)
	}

	start := time.Now()
	err := w.processJob(ctx, job)
	w.metrics.ObserveJobDuration(time.Since(start))

	if err != nil {
		w.metrics.JobProcessed("failed")
		if mErr := w.jobs.MarkFailed(ctx, job.ID, err); mErr != nil {
			w.log.Warn("failed to mark job failed", "job_id", job.ID, "error", mErr)
		}
		w.recorder.Record(ctx, activity.CategoryDownload, activity.StatusFailed, map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		w.log.Error("job failed", "job_id", job.ID, "error", err)
		return
	}

	w.metrics.JobProcessed("completed")
	if mErr := w.jobs.MarkCompleted(ctx, job.ID); mErr != nil {
		w.log.Warn("failed to mark job completed", "job_id", job.ID, "error", mErr)
	}
}

func (w *SyncWorker) processJob(ctx context.Context, job *model.Job) error {
	var payload model.JobPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}

	files := w.filterCancelled(ctx, payload.Files)
	if len(files) == 0 {
		// Everything was cancelled before dispatch; a silent success.
		return nil
	}

	req := slskd.DownloadRequest{Username: payload.Username}
	for _, f := range files {
		req.Files = append(req.Files, slskd.RequestedFile{
			ID:       f.DownloadID,
			Filename: f.Filename,
			Priority: payload.ResolvedPriority(f, 0),
		})
	}

	if err := w.client.Download(ctx, req); err != nil {
		w.handleFailure(ctx, &payload, files, err)
		return fmt.Errorf("download from %s: %w", payload.Username, err)
	}

	w.handleSuccess(ctx, files)
	return nil
}

// filterCancelled drops files whose download id sits in the pending-
// cancellation set, consuming the flag as it is honored. Cancellation is a
// one-shot request: work already dispatched to the remote client before the
// flag was set is handled by the poll loop instead.
func (w *SyncWorker) filterCancelled(ctx context.Context, files []model.FileDescriptor) []model.FileDescriptor {
	kept := files[:0:0]
	for _, f := range files {
		if f.DownloadID != 0 && w.consumeCancel(f.DownloadID) {
			if err := w.downloads.MarkCancelled(ctx, f.DownloadID); err != nil {
				w.log.Warn("failed to mark download cancelled", "download_id", f.DownloadID, "error", err)
			}
			w.metrics.Cancelled()
			w.recorder.Record(ctx, activity.CategoryDownload, activity.StatusCancelled, map[string]interface{}{
				"download_id": f.DownloadID,
			})
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func (w *SyncWorker) handleSuccess(ctx context.Context, files []model.FileDescriptor) {
	for _, f := range files {
		if f.DownloadID == 0 {
			continue
		}
		w.cancelRetry(f.DownloadID)
		if w.clearAttempts(f.DownloadID) == 0 {
			// No in-memory counter; check the row in case the failures
			// happened before a restart.
			row, err := w.downloads.Get(ctx, f.DownloadID)
			if err != nil || row.RetryCount == 0 {
				continue
			}
		}
		// The download recovered after one or more transient failures.
		if err := w.downloads.ClearRetryState(ctx, f.DownloadID); err != nil {
			w.log.Warn("failed to clear retry state", "download_id", f.DownloadID, "error", err)
		}
		w.recorder.Record(ctx, activity.CategoryDownloadRetry, activity.StatusCompleted, map[string]interface{}{
			"download_id": f.DownloadID,
		})
	}
}

// handleFailure applies the retry policy to every file of a failed dispatch:
// within budget the row goes back to failed with a backoff deadline and a
// delayed in-process resubmission is scheduled; an exhausted budget
// dead-letters the row.
func (w *SyncWorker) handleFailure(ctx context.Context, payload *model.JobPayload, files []model.FileDescriptor, cause error) {
	policy := w.policies.Policy(ctx)
	now := time.Now().UTC()
	retryable := slskd.IsRetryable(cause)

	for _, f := range files {
		if f.DownloadID == 0 {
			continue
		}
		attempts := w.nextAttempt(ctx, f.DownloadID)

		if !retryable || attempts >= policy.MaxAttempts {
			w.clearAttempts(f.DownloadID)
			w.cancelRetry(f.DownloadID)
			reason := fmt.Sprintf("retry budget exhausted after %d attempts: %v", attempts, cause)
			if !retryable {
				reason = fmt.Sprintf("permanent remote error: %v", cause)
			}
			if err := w.downloads.MarkDeadLetter(ctx, f.DownloadID, reason); err != nil {
				w.log.Error("failed to dead-letter download", "download_id", f.DownloadID, "error", err)
			}
			w.metrics.DeadLettered()
			w.recorder.Record(ctx, activity.CategoryDownload, activity.StatusDeadLetter, map[string]interface{}{
				"download_id": f.DownloadID,
				"attempts":    attempts,
			})
			continue
		}

		delay := w.calc.DelayWithPolicy(policy, attempts)
		if err := w.downloads.MarkRetryPending(ctx, f.DownloadID, attempts, cause.Error(), now.Add(delay)); err != nil {
			w.log.Error("failed to record retry state", "download_id", f.DownloadID, "error", err)
		}
		w.metrics.RetryScheduled("worker")
		w.recorder.Record(ctx, activity.CategoryDownloadRetry, activity.StatusScheduled, map[string]interface{}{
			"download_id": f.DownloadID,
			"attempt":     attempts,
			"delay":       delay.String(),
		})

		priority := payload.ResolvedPriority(f, 0)
		w.scheduleRetry(f, payload.Username, priority, delay)
	}
}

// scheduleRetry spawns a tracked delayed task that re-enqueues a single file
// after the backoff delay. Stop cancels every outstanding task; the retry
// scheduler remains the backstop for retries lost that way.
func (w *SyncWorker) scheduleRetry(file model.FileDescriptor, username string, priority int, delay time.Duration) {
	w.retryMu.Lock()
	if !w.acceptRetries {
		w.retryMu.Unlock()
		return
	}
	// At most one pending delayed retry per download.
	if prev, ok := w.retryTasks[file.DownloadID]; ok {
		prev.cancel()
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	w.retrySeq++
	seq := w.retrySeq
	w.retryTasks[file.DownloadID] = retryTask{cancel: cancel, seq: seq}
	w.retryWG.Add(1)
	w.retryMu.Unlock()

	go func() {
		defer w.retryWG.Done()
		defer func() {
			w.retryMu.Lock()
			if task, ok := w.retryTasks[file.DownloadID]; ok && task.seq == seq {
				delete(w.retryTasks, file.DownloadID)
			}
			w.retryMu.Unlock()
		}()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-taskCtx.Done():
			return
		case <-timer.C:
		}

		payload := &model.JobPayload{
			Username: username,
			Files:    []model.FileDescriptor{file},
			Priority: priority,
		}
		if _, err := w.Enqueue(context.Background(), payload); err != nil {
			w.log.Warn("delayed retry enqueue failed", "download_id", file.DownloadID, "error", err)
		}
	}()
}

func (w *SyncWorker) pollLoop(ctx context.Context) {
	defer close(w.pollDone)

	interval := w.cfg.PollIntervalIdle
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if w.refreshDownloads(ctx) {
			interval = w.cfg.PollIntervalActive
		} else {
			interval = w.cfg.PollIntervalIdle
		}
		timer.Reset(interval)
	}
}

// refreshDownloads mirrors remote transfer state into the record store and
// applies pending cancellations. Returns whether any transfer is still
// active, which drives the adaptive poll interval.
func (w *SyncWorker) refreshDownloads(ctx context.Context) bool {
	statuses, err := w.client.GetDownloadStatus(ctx)
	if err != nil {
		w.log.Warn("failed to fetch download status", "error", err)
		return false
	}

	active := 0
	for _, st := range statuses {
		if st.ID == 0 {
			continue
		}

		if w.consumeCancel(st.ID) {
			if err := w.client.CancelDownload(ctx, st.ID); err != nil {
				w.log.Warn("remote cancel failed", "download_id", st.ID, "error", err)
			}
			if err := w.downloads.MarkCancelled(ctx, st.ID); err != nil {
				w.log.Warn("failed to mark download cancelled", "download_id", st.ID, "error", err)
			}
			w.metrics.Cancelled()
			w.recorder.Record(ctx, activity.CategoryDownload, activity.StatusCancelled, map[string]interface{}{
				"download_id": st.ID,
			})
			continue
		}

		progress := model.ClampProgress(st.Progress)
		switch {
		case st.State == slskd.TransferStateCompleted:
			if err := w.downloads.MarkCompleted(ctx, st.ID); err != nil {
				w.log.Warn("failed to mark download completed", "download_id", st.ID, "error", err)
			}
		case progress > 0 && progress < 100:
			w.applyProgress(ctx, st.ID, progress)
		}

		if st.Active() {
			active++
		}
	}

	w.metrics.SetActiveDownloads(active)
	return active > 0
}

func (w *SyncWorker) applyProgress(ctx context.Context, id int64, progress float64) {
	row, err := w.downloads.Get(ctx, id)
	if err != nil {
		w.log.Warn("status for unknown download", "download_id", id, "error", err)
		return
	}
	switch row.State {
	case model.DownloadStateQueued:
		if err := w.downloads.MarkDownloading(ctx, id, progress); err != nil {
			w.log.Warn("failed to promote download", "download_id", id, "error", err)
		}
	case model.DownloadStateDownloading:
		if err := w.downloads.SetProgress(ctx, id, progress); err != nil {
			w.log.Warn("failed to update progress", "download_id", id, "error", err)
		}
	}
}

// cancelRetry aborts a pending delayed-retry task for a download, if any.
func (w *SyncWorker) cancelRetry(id int64) {
	w.retryMu.Lock()
	if task, ok := w.retryTasks[id]; ok {
		task.cancel()
	}
	w.retryMu.Unlock()
}

func (w *SyncWorker) consumeCancel(id int64) bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if _, ok := w.pendingCancel[id]; !ok {
		return false
	}
	delete(w.pendingCancel, id)
	return true
}

// nextAttempt increments the attempt counter for a download. A counter not
// yet tracked in memory is seeded from the attempt count mirrored into the
// row's request payload, so retry bookkeeping survives a restart.
func (w *SyncWorker) nextAttempt(ctx context.Context, id int64) int {
	w.stateMu.Lock()
	_, tracked := w.attempts[id]
	w.stateMu.Unlock()

	if !tracked {
		if row, err := w.downloads.Get(ctx, id); err == nil {
			if req, err := model.ParseRetryRequest(row.RequestPayload); err == nil && req.Attempts > 0 {
				w.stateMu.Lock()
				if _, exists := w.attempts[id]; !exists {
					w.attempts[id] = req.Attempts
				}
				w.stateMu.Unlock()
			}
		}
	}
	return w.bumpAttempts(id)
}

func (w *SyncWorker) bumpAttempts(id int64) int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.attempts[id]++
	return w.attempts[id]
}

func (w *SyncWorker) clearAttempts(id int64) int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	prev := w.attempts[id]
	delete(w.attempts, id)
	return prev
}
