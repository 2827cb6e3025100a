package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to DownloadState
		want     bool
	}{
		{DownloadStateQueued, DownloadStateDownloading, true},
		{DownloadStateQueued, DownloadStateFailed, true},
		{DownloadStateQueued, DownloadStateDeadLetter, false},
		{DownloadStateDownloading, DownloadStateCompleted, true},
		{DownloadStateDownloading, DownloadStateQueued, true},
		{DownloadStateFailed, DownloadStateQueued, true},
		{DownloadStateFailed, DownloadStateDeadLetter, true},
		{DownloadStateCompleted, DownloadStateFailed, false},
		{DownloadStateCancelled, DownloadStateQueued, false},
		{DownloadStateDeadLetter, DownloadStateQueued, false},
		{DownloadStateFailed, DownloadStateFailed, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, DownloadStateCompleted.Terminal())
	assert.True(t, DownloadStateCancelled.Terminal())
	assert.True(t, DownloadStateDeadLetter.Terminal())
	assert.False(t, DownloadStateQueued.Terminal())
	assert.False(t, DownloadStateFailed.Terminal())
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0.0, ClampProgress(-3))
	assert.Equal(t, 42.5, ClampProgress(42.5))
	assert.Equal(t, 100.0, ClampProgress(180))
}
