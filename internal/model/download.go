package model

import "time"

// DownloadState is the lifecycle state of a single requested file.
type DownloadState string

const (
	DownloadStateQueued      DownloadState = "queued"
	DownloadStateDownloading DownloadState = "downloading"
	DownloadStateCompleted   DownloadState = "completed"
	DownloadStateFailed      DownloadState = "failed"
	DownloadStateCancelled   DownloadState = "cancelled"
	DownloadStateDeadLetter  DownloadState = "dead_letter"
)

// legalTransitions is the single source of truth for automatic state changes.
// dead_letter and cancelled are terminal; resurrecting a dead letter is an
// explicit operator action and deliberately not part of this table.
var legalTransitions = map[DownloadState][]DownloadState{
	DownloadStateQueued:      {DownloadStateDownloading, DownloadStateCompleted, DownloadStateFailed, DownloadStateCancelled},
	DownloadStateDownloading: {DownloadStateQueued, DownloadStateCompleted, DownloadStateFailed, DownloadStateCancelled},
	DownloadStateFailed:      {DownloadStateQueued, DownloadStateDeadLetter, DownloadStateCancelled},
	DownloadStateCompleted:   {},
	DownloadStateCancelled:   {},
	DownloadStateDeadLetter:  {},
}

// CanTransition reports whether moving from one state to another is legal.
// A no-op transition (same state) is always allowed.
func CanTransition(from, to DownloadState) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition may leave the state.
func (s DownloadState) Terminal() bool {
	return len(legalTransitions[s]) == 0
}

// Download is one row of the download record store. It is the single source
// of truth for user-visible download state.
type Download struct {
	ID             int64         `db:"id"`
	Filename       string        `db:"filename"`
	Username       string        `db:"username"`
	State          DownloadState `db:"state"`
	Progress       float64       `db:"progress"`
	Priority       int           `db:"priority"`
	RetryCount     int           `db:"retry_count"`
	NextRetryAt    *time.Time    `db:"next_retry_at"`
	LastError      *string       `db:"last_error"`
	RequestPayload *string       `db:"request_payload"`
	JobID          *string       `db:"job_id"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// ClampProgress forces a reported progress value into [0, 100].
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
