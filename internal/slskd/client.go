// Package slskd talks to the remote peer-to-peer download daemon. The worker
// pool only sees the Client interface; the HTTP adapter below targets a
// slskd-style REST API.
package slskd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bozzfozz/harmony-sub003/internal/config"
)

// RequestedFile is one file inside a download request. ID is Harmony's
// download row id and doubles as the transfer token the daemon reports back.
type RequestedFile struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Priority int    `json:"priority"`
}

// DownloadRequest asks the daemon to fetch files from one peer.
type DownloadRequest struct {
	Username string          `json:"username"`
	Files    []RequestedFile `json:"files"`
}

// TransferStatus is the daemon's view of one in-flight transfer.
type TransferStatus struct {
	ID       int64   `json:"id"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
}

// Transfer states reported by the daemon.
const (
	TransferStateQueued     = "queued"
	TransferStateInProgress = "in_progress"
	TransferStateCompleted  = "completed"
	TransferStateFailed     = "failed"
)

// Active reports whether the transfer still occupies a slot on the daemon.
func (t TransferStatus) Active() bool {
	return t.State == TransferStateQueued || t.State == TransferStateInProgress
}

// RemoteError is a non-2xx response from the daemon.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string { return e.Message }

// Retryable reports whether the request may succeed later. Server-side
// failures and throttling are transient; other client errors are not.
func (e *RemoteError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable classifies an error from the remote client. Anything that is
// not a definitive remote rejection, such as a network failure, counts as
// retryable.
func IsRetryable(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Retryable()
	}
	return true
}

// Client is the remote download network contract consumed by the worker
// pool. Implementations must tolerate empty or partial file lists.
type Client interface {
	Download(ctx context.Context, req DownloadRequest) error
	GetDownloadStatus(ctx context.Context) ([]TransferStatus, error)
	CancelDownload(ctx context.Context, id int64) error
}

// HTTPClient implements Client against the slskd REST API.
type HTTPClient struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

// NewHTTPClient builds an adapter for the configured daemon endpoint.
func NewHTTPClient(cfg config.SlskdConfig) (*HTTPClient, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse slskd url: %w", err)
	}
	return &HTTPClient{
		base:   base,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Download submits a transfer request. An empty file list is a no-op.
func (c *HTTPClient) Download(ctx context.Context, req DownloadRequest) error {
	if len(req.Files) == 0 {
		return nil
	}
	path := fmt.Sprintf("/api/v0/transfers/downloads/%s", url.PathEscape(req.Username))
	return c.do(ctx, http.MethodPost, path, req.Files, nil)
}

// GetDownloadStatus lists the state of all transfers known to the daemon.
func (c *HTTPClient) GetDownloadStatus(ctx context.Context) ([]TransferStatus, error) {
	var out []TransferStatus
	if err := c.do(ctx, http.MethodGet, "/api/v0/transfers/downloads", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelDownload asks the daemon to abort one transfer.
func (c *HTTPClient) CancelDownload(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/api/v0/transfers/downloads/%d", id)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	ref := &url.URL{Path: path}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slskd %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("slskd %s %s: status %d: %s", method, path, resp.StatusCode, msg),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode slskd response: %w", err)
		}
	}
	return nil
}
