package slskd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozzfozz/harmony-sub003/internal/config"
)

func newClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(config.SlskdConfig{
		URL:     srv.URL,
		APIKey:  "secret",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestDownloadPostsFiles(t *testing.T) {
	var gotPath, gotKey string
	var gotFiles []RequestedFile

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotFiles))
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.Download(context.Background(), DownloadRequest{
		Username: "alice",
		Files:    []RequestedFile{{ID: 7, Filename: "track.flac", Priority: 5}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/v0/transfers/downloads/alice", gotPath)
	assert.Equal(t, "secret", gotKey)
	require.Len(t, gotFiles, 1)
	assert.Equal(t, int64(7), gotFiles[0].ID)
}

func TestDownloadEmptyFileListIsNoop(t *testing.T) {
	called := false
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	require.NoError(t, c.Download(context.Background(), DownloadRequest{Username: "alice"}))
	assert.False(t, called)
}

func TestDownloadSurfacesRemoteError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "peer offline", http.StatusBadGateway)
	}))

	err := c.Download(context.Background(), DownloadRequest{
		Username: "alice",
		Files:    []RequestedFile{{ID: 1, Filename: "a.flac"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestGetDownloadStatus(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/transfers/downloads", r.URL.Path)
		json.NewEncoder(w).Encode([]TransferStatus{
			{ID: 1, State: TransferStateInProgress, Progress: 42},
			{ID: 2, State: TransferStateCompleted, Progress: 100},
		})
	}))

	statuses, err := c.GetDownloadStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Active())
	assert.False(t, statuses[1].Active())
}

func TestCancelDownload(t *testing.T) {
	var gotMethod, gotPath string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
	}))

	require.NoError(t, c.CancelDownload(context.Background(), 9))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/v0/transfers/downloads/9", gotPath)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"server error", &RemoteError{StatusCode: 502}, true},
		{"throttled", &RemoteError{StatusCode: http.StatusTooManyRequests}, true},
		{"not found", &RemoteError{StatusCode: 404}, false},
		{"bad request", &RemoteError{StatusCode: 400}, false},
		{"network failure", errors.New("connection refused"), true},
		{"wrapped remote", fmt.Errorf("download: %w", &RemoteError{StatusCode: 403}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}
