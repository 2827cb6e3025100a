// Package activity is the fire-and-forget audit sink. Every state transition
// of interest (retry scheduled, retry failed, retry completed, dead-lettered)
// is recorded here; a failing sink must never fail the operation that emitted
// the event.
package activity

import (
	"context"
	"sync"

	"github.com/bozzfozz/harmony-sub003/internal/observability"
)

// Event categories emitted by the download subsystem.
const (
	CategoryDownloadRetry = "download_retry"
	CategoryDownload      = "download"
)

// Event statuses.
const (
	StatusScheduled  = "scheduled"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
	StatusCancelled  = "cancelled"
	StatusStopped    = "stopped"
)

// Recorder is the activity sink contract.
type Recorder interface {
	Record(ctx context.Context, category, status string, details map[string]interface{})
}

// LogRecorder writes activity events to the structured log. It is the
// default sink.
type LogRecorder struct {
	log observability.Logger
}

// NewLogRecorder builds an activity sink over the given logger.
func NewLogRecorder(log observability.Logger) *LogRecorder {
	return &LogRecorder{log: log.WithFields(map[string]interface{}{"component": "activity"})}
}

func (r *LogRecorder) Record(_ context.Context, category, status string, details map[string]interface{}) {
	fields := make([]interface{}, 0, 4+2*len(details))
	fields = append(fields, "category", category, "status", status)
	for k, v := range details {
		fields = append(fields, k, v)
	}
	r.log.Info("activity", fields...)
}

// MemoryRecorder collects events in memory. It exists for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one captured activity event.
type RecordedEvent struct {
	Category string
	Status   string
	Details  map[string]interface{}
}

func (r *MemoryRecorder) Record(_ context.Context, category, status string, details map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Category: category, Status: status, Details: details})
}

// Events returns a copy of everything recorded so far.
func (r *MemoryRecorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Find returns the events matching category and status.
func (r *MemoryRecorder) Find(category, status string) []RecordedEvent {
	var out []RecordedEvent
	for _, e := range r.Events() {
		if e.Category == category && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}
