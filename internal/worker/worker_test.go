package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozzfozz/harmony-sub003/internal/activity"
	"github.com/bozzfozz/harmony-sub003/internal/backoff"
	"github.com/bozzfozz/harmony-sub003/internal/config"
	"github.com/bozzfozz/harmony-sub003/internal/model"
	"github.com/bozzfozz/harmony-sub003/internal/observability"
	"github.com/bozzfozz/harmony-sub003/internal/slskd"
	"github.com/bozzfozz/harmony-sub003/internal/store"
	"github.com/bozzfozz/harmony-sub003/internal/store/downloads"
	"github.com/bozzfozz/harmony-sub003/internal/store/jobs"
)

// stubClient fakes the slskd adapter: a configurable number of download
// dispatches fail, every call is recorded, and GetDownloadStatus serves a
// settable status list.
type stubClient struct {
	mu          sync.Mutex
	failTimes   int
	downloadErr error
	requests    []slskd.DownloadRequest
	statuses    []slskd.TransferStatus
	statusErr   error
	cancelled   []int64
}

func (c *stubClient) Download(_ context.Context, req slskd.DownloadRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.downloadErr != nil {
		return c.downloadErr
	}
	if c.failTimes > 0 {
		c.failTimes--
		return errors.New("peer refused connection")
	}
	return nil
}

func (c *stubClient) GetDownloadStatus(context.Context) ([]slskd.TransferStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return nil, c.statusErr
	}
	out := make([]slskd.TransferStatus, len(c.statuses))
	copy(out, c.statuses)
	return out, nil
}

func (c *stubClient) CancelDownload(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, id)
	return nil
}

func (c *stubClient) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *stubClient) requestAt(i int) slskd.DownloadRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *stubClient) setStatuses(statuses []slskd.TransferStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = statuses
}

func (c *stubClient) cancelledIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.cancelled))
	copy(out, c.cancelled)
	return out
}

type env struct {
	jobs      *jobs.Store
	downloads *downloads.Store
	client    *stubClient
	recorder  *activity.MemoryRecorder
	worker    *SyncWorker
}

func defaultRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		BaseSeconds: 5,
		JitterPct:   0,
		PolicyTTL:   time.Minute,
	}
}

func newEnv(t *testing.T, retry config.RetryConfig) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	js, err := jobs.Open(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { js.Close() })

	db, err := store.Open("sqlite3", filepath.Join(dir, "harmony.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ds := downloads.New(db, "sqlite3")
	require.NoError(t, ds.Migrate(ctx))

	client := &stubClient{}
	recorder := &activity.MemoryRecorder{}
	provider := backoff.NewPolicyProvider(nil, retry)

	w := New(Deps{
		Jobs:      js,
		Downloads: ds,
		Client:    client,
		Activity:  recorder,
		Policies:  provider,
		Backoff:   backoff.NewCalculator(provider, func() float64 { return 0.5 }),
		Logger:    observability.NopLogger{},
		Metrics:   observability.NewMetrics(),
	}, config.WorkerConfig{
		Concurrency:        1,
		PollIntervalActive: time.Hour,
		PollIntervalIdle:   time.Hour,
	})

	return &env{jobs: js, downloads: ds, client: client, recorder: recorder, worker: w}
}

func (e *env) createDownload(t *testing.T, username, filename string, priority int) *model.Download {
	t.Helper()
	d := &model.Download{Filename: filename, Username: username, Priority: priority}
	require.NoError(t, e.downloads.Create(context.Background(), d))
	return d
}

func payloadFor(d *model.Download) *model.JobPayload {
	return &model.JobPayload{
		Username: d.Username,
		Files:    []model.FileDescriptor{{Filename: d.Filename, DownloadID: d.ID}},
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	e := newEnv(t, defaultRetry())
	_, err := e.worker.Enqueue(context.Background(), &model.JobPayload{Username: "alice"})
	assert.Error(t, err)
	assert.Zero(t, e.client.requestCount())
}

func TestEnqueueStoppedRunsSynchronously(t *testing.T) {
	e := newEnv(t, defaultRetry())
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)

	job, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	require.Equal(t, 1, e.client.requestCount())
	req := e.client.requestAt(0)
	assert.Equal(t, "alice", req.Username)
	require.Len(t, req.Files, 1)
	assert.Equal(t, d.ID, req.Files[0].ID)

	stored, err := e.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
}

func TestStartDispatchesByPriority(t *testing.T) {
	e := newEnv(t, defaultRetry())
	ctx := context.Background()

	// Persisted while the pool is stopped via the durable store directly,
	// so Start replays them through the priority queue.
	low, err := e.jobs.Enqueue(ctx, &model.JobPayload{
		Username: "alice",
		Priority: 1,
		Files:    []model.FileDescriptor{{Filename: "low.flac"}},
	})
	require.NoError(t, err)
	high, err := e.jobs.Enqueue(ctx, &model.JobPayload{
		Username: "alice",
		Priority: 9,
		Files:    []model.FileDescriptor{{Filename: "high.flac"}},
	})
	require.NoError(t, err)

	require.NoError(t, e.worker.Start(ctx))
	defer e.worker.Stop()

	require.Eventually(t, func() bool {
		return e.client.requestCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "high.flac", e.client.requestAt(0).Files[0].Filename)
	assert.Equal(t, "low.flac", e.client.requestAt(1).Files[0].Filename)

	require.NoError(t, e.worker.Stop())
	for _, id := range []string{low.ID, high.ID} {
		stored, err := e.jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, stored.Status)
	}
}

func TestCrashRecoveryReplaysInterruptedJob(t *testing.T) {
	e := newEnv(t, defaultRetry())
	ctx := context.Background()

	job, err := e.jobs.Enqueue(ctx, &model.JobPayload{
		Username: "alice",
		Files:    []model.FileDescriptor{{Filename: "track.flac"}},
	})
	require.NoError(t, err)
	// Simulate a crash mid-execution: the job stays in running with no
	// graceful stop to requeue it.
	require.NoError(t, e.jobs.MarkRunning(ctx, job.ID))

	require.NoError(t, e.worker.Start(ctx))
	defer e.worker.Stop()

	require.Eventually(t, func() bool {
		return e.client.requestCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e.worker.Stop())

	stored, err := e.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
}

func TestFailureSchedulesRetryWithBackoff(t *testing.T) {
	retry := defaultRetry()
	retry.BaseSeconds = 60 // keep the delayed task from firing mid-test
	e := newEnv(t, retry)
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)
	e.client.failTimes = 1

	before := time.Now().UTC()
	job, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	stored, err := e.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)

	row, err := e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateFailed, row.State)
	assert.Equal(t, 1, row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, before.Add(60*time.Second), *row.NextRetryAt, 2*time.Second)

	req, err := model.ParseRetryRequest(row.RequestPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, req.Attempts)

	assert.Equal(t, 1, e.worker.Attempts(d.ID))
	assert.Len(t, e.recorder.Find(activity.CategoryDownloadRetry, activity.StatusScheduled), 1)
}

func TestRepeatedFailuresDeadLetter(t *testing.T) {
	retry := defaultRetry()
	retry.MaxAttempts = 2
	retry.BaseSeconds = 60
	e := newEnv(t, retry)
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)
	e.client.failTimes = 10

	_, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)
	row, err := e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, model.DownloadStateFailed, row.State)

	// The second dispatch exhausts the budget.
	_, err = e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	row, err = e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateDeadLetter, row.State)
	assert.Nil(t, row.NextRetryAt)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "retry budget exhausted")

	assert.Zero(t, e.worker.Attempts(d.ID))
	assert.Len(t, e.recorder.Find(activity.CategoryDownload, activity.StatusDeadLetter), 1)
	assert.Equal(t, 2, e.client.requestCount())
}

func TestPermanentRemoteErrorDeadLettersImmediately(t *testing.T) {
	e := newEnv(t, defaultRetry())
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)
	e.client.downloadErr = &slskd.RemoteError{StatusCode: 404, Message: "no such user"}

	_, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	row, err := e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateDeadLetter, row.State)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "permanent remote error")
	assert.Equal(t, 1, e.client.requestCount())
}

func TestSuccessAfterFailureClearsRetryState(t *testing.T) {
	retry := defaultRetry()
	retry.BaseSeconds = 60
	e := newEnv(t, retry)
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)
	e.client.failTimes = 1

	_, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)
	require.Equal(t, 1, e.worker.Attempts(d.ID))

	_, err = e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	row, err := e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Zero(t, row.RetryCount)
	assert.Nil(t, row.NextRetryAt)
	assert.Zero(t, e.worker.Attempts(d.ID))

	req, err := model.ParseRetryRequest(row.RequestPayload)
	require.NoError(t, err)
	assert.Zero(t, req.Attempts)

	assert.Len(t, e.recorder.Find(activity.CategoryDownloadRetry, activity.StatusCompleted), 1)
}

func TestAttemptCounterSeedsFromMirroredPayload(t *testing.T) {
	retry := defaultRetry()
	retry.MaxAttempts = 3
	retry.BaseSeconds = 60
	e := newEnv(t, retry)
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)

	// Two failures recorded by a previous process: the row carries the
	// mirrored attempt count, this worker has no in-memory counter.
	require.NoError(t, e.downloads.AttachJob(ctx, d.ID, "old-job", 1))
	require.NoError(t, e.downloads.MarkRetryPending(ctx, d.ID, 2, "peer offline", time.Now().UTC().Add(time.Minute)))

	e.client.failTimes = 1
	_, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	// Seeded 2 + this failure = 3 >= MaxAttempts: straight to dead_letter.
	row, err := e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateDeadLetter, row.State)
}

func TestRequestCancelSkipsDispatch(t *testing.T) {
	e := newEnv(t, defaultRetry())
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)

	e.worker.RequestCancel(d.ID)
	job, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	assert.Zero(t, e.client.requestCount())

	row, err := e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateCancelled, row.State)

	// An all-cancelled job is a silent success, not a failure.
	stored, err := e.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)

	assert.Len(t, e.recorder.Find(activity.CategoryDownload, activity.StatusCancelled), 1)

	// The flag was consumed: the next enqueue dispatches normally.
	d2 := e.createDownload(t, "alice", "other.flac", 1)
	_, err = e.worker.Enqueue(ctx, payloadFor(d2))
	require.NoError(t, err)
	assert.Equal(t, 1, e.client.requestCount())
}

func TestRefreshDownloadsMirrorsRemoteState(t *testing.T) {
	e := newEnv(t, defaultRetry())
	ctx := context.Background()
	queued := e.createDownload(t, "alice", "a.flac", 1)
	running := e.createDownload(t, "alice", "b.flac", 1)
	finished := e.createDownload(t, "alice", "c.flac", 1)
	require.NoError(t, e.downloads.MarkDownloading(ctx, running.ID, 10))

	e.client.setStatuses([]slskd.TransferStatus{
		{ID: queued.ID, State: slskd.TransferStateInProgress, Progress: 35},
		{ID: running.ID, State: slskd.TransferStateInProgress, Progress: 80},
		{ID: finished.ID, State: slskd.TransferStateCompleted, Progress: 100},
	})

	active := e.worker.refreshDownloads(ctx)
	assert.True(t, active)

	row, err := e.downloads.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateDownloading, row.State)
	assert.Equal(t, 35.0, row.Progress)

	row, err = e.downloads.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateDownloading, row.State)
	assert.Equal(t, 80.0, row.Progress)

	row, err = e.downloads.Get(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateCompleted, row.State)
	assert.Equal(t, 100.0, row.Progress)

	// Once everything settles the poll reports idle.
	e.client.setStatuses([]slskd.TransferStatus{
		{ID: finished.ID, State: slskd.TransferStateCompleted, Progress: 100},
	})
	assert.False(t, e.worker.refreshDownloads(ctx))
}

func TestRefreshDownloadsCancelsActiveTransfer(t *testing.T) {
	e := newEnv(t, defaultRetry())
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)
	require.NoError(t, e.downloads.MarkDownloading(ctx, d.ID, 40))

	e.worker.RequestCancel(d.ID)
	e.client.setStatuses([]slskd.TransferStatus{
		{ID: d.ID, State: slskd.TransferStateInProgress, Progress: 40},
	})

	e.worker.refreshDownloads(ctx)

	assert.Equal(t, []int64{d.ID}, e.client.cancelledIDs())
	row, err := e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStateCancelled, row.State)
}

func TestRefreshDownloadsToleratesStatusError(t *testing.T) {
	e := newEnv(t, defaultRetry())
	e.client.statusErr = errors.New("daemon unreachable")
	assert.False(t, e.worker.refreshDownloads(context.Background()))
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	e := newEnv(t, defaultRetry())
	ctx := context.Background()

	require.NoError(t, e.worker.Start(ctx))
	assert.True(t, e.worker.Running())
	require.NoError(t, e.worker.Start(ctx)) // no-op

	require.NoError(t, e.worker.Stop())
	assert.False(t, e.worker.Running())
	require.NoError(t, e.worker.Stop()) // no-op

	require.NoError(t, e.worker.Start(ctx))
	assert.True(t, e.worker.Running())
	require.NoError(t, e.worker.Stop())
}

func TestStopCancelsPendingDelayedRetries(t *testing.T) {
	retry := defaultRetry()
	retry.BaseSeconds = 60
	e := newEnv(t, retry)
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)

	e.client.failTimes = 1
	require.NoError(t, e.worker.Start(ctx))
	_, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		row, err := e.downloads.Get(ctx, d.ID)
		return err == nil && row.State == model.DownloadStateFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Stop must return promptly instead of waiting out the backoff timer.
	done := make(chan struct{})
	go func() {
		e.worker.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a pending delayed retry")
	}

	e.worker.retryMu.Lock()
	remaining := len(e.worker.retryTasks)
	e.worker.retryMu.Unlock()
	assert.Zero(t, remaining)
}

func TestDeadLetterCancelsPendingDelayedRetry(t *testing.T) {
	retry := defaultRetry()
	retry.MaxAttempts = 2
	retry.BaseSeconds = 60
	e := newEnv(t, retry)
	ctx := context.Background()
	d := e.createDownload(t, "alice", "track.flac", 1)
	e.client.failTimes = 10

	_, err := e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)
	_, err = e.worker.Enqueue(ctx, payloadFor(d))
	require.NoError(t, err)

	row, err := e.downloads.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, model.DownloadStateDeadLetter, row.State)

	// The first failure's delayed task was cancelled; its registry entry
	// drains once the goroutine observes the cancellation.
	require.Eventually(t, func() bool {
		e.worker.retryMu.Lock()
		defer e.worker.retryMu.Unlock()
		return len(e.worker.retryTasks) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
