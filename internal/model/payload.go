package model

import (
	"encoding/json"
	"fmt"
)

// FileDescriptor identifies one remote file inside a job payload. DownloadID
// links the descriptor back to its download row; Priority, when non-nil,
// overrides the job-level priority for this file only.
type FileDescriptor struct {
	Filename   string `json:"filename"`
	DownloadID int64  `json:"download_id,omitempty"`
	Priority   *int   `json:"priority,omitempty"`
}

// JobPayload is the unit of work handed to the sync worker: one submitting
// user plus an ordered list of files to fetch from the peer network.
type JobPayload struct {
	Username string           `json:"username"`
	Files    []FileDescriptor `json:"files"`
	Priority int              `json:"priority"`
}

// Validate checks the payload at the enqueue boundary so execution code can
// assume a well-formed job.
func (p *JobPayload) Validate() error {
	if p.Username == "" {
		return fmt.Errorf("job payload: username is required")
	}
	if len(p.Files) == 0 {
		return fmt.Errorf("job payload: at least one file is required")
	}
	for i, f := range p.Files {
		if f.Filename == "" {
			return fmt.Errorf("job payload: file %d has no filename", i)
		}
	}
	return nil
}

// ResolvedPriority applies the precedence file override > job priority >
// stored row priority.
func (p *JobPayload) ResolvedPriority(f FileDescriptor, rowPriority int) int {
	if f.Priority != nil {
		return *f.Priority
	}
	if p.Priority != 0 {
		return p.Priority
	}
	return rowPriority
}

// QueuePriority is the ordering key used by the in-memory queue: the highest
// resolved priority among the payload's files.
func (p *JobPayload) QueuePriority() int {
	prio := p.Priority
	for _, f := range p.Files {
		if f.Priority != nil && *f.Priority > prio {
			prio = *f.Priority
		}
	}
	return prio
}

// RetryRequest is the minimal information mirrored into a download row's
// request_payload column. It is everything needed to rebuild a job payload
// for the row after a crash, plus the attempt counter so retry bookkeeping
// survives a restart.
type RetryRequest struct {
	Filename string `json:"filename"`
	Username string `json:"username"`
	Priority int    `json:"priority"`
	Attempts int    `json:"attempts,omitempty"`
}

// ParseRetryRequest decodes a stored request payload. A payload that cannot
// be decoded, or that lacks a username or filename, is unrecoverable and the
// caller is expected to dead-letter the row.
func ParseRetryRequest(raw *string) (*RetryRequest, error) {
	if raw == nil || *raw == "" {
		return nil, fmt.Errorf("request payload is empty")
	}
	var req RetryRequest
	if err := json.Unmarshal([]byte(*raw), &req); err != nil {
		return nil, fmt.Errorf("decode request payload: %w", err)
	}
	if req.Username == "" {
		return nil, fmt.Errorf("request payload has no username")
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("request payload has no filename")
	}
	return &req, nil
}

// Encode serializes the retry request for storage in the downloads table.
func (r *RetryRequest) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode request payload: %w", err)
	}
	return string(b), nil
}
