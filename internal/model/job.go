package model

import "time"

// JobStatus is the lifecycle status of a durable job record.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a durable record of one submitted unit of work. Jobs are archived,
// never deleted; a job left pending or running when the process died is
// replayed on the next startup.
type Job struct {
	ID        string    `db:"id"`
	Payload   string    `db:"payload"`
	Status    JobStatus `db:"status"`
	Priority  int       `db:"priority"`
	LastError *string   `db:"last_error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
