package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	require.Equal(t, TopicKey("user:42"), UserTopic(42))
	require.Equal(t, TopicKey("job:abc"), JobTopic("abc"))
	require.True(t, UserTopic(1).IsUser())
	require.False(t, UserTopic(1).IsJob())
	require.True(t, JobTopic("x").IsJob())

	owner := int64(7)
	require.Equal(t, []TopicKey{"job:j1"}, StatusEvent{JobID: "j1"}.Topics())
	require.Equal(t, []TopicKey{"job:j1", "user:7"}, StatusEvent{JobID: "j1", OwnerID: &owner}.Topics())
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: "user:12"},
		{in: "job:0190f0c2-7d7e-7c44-b1a6-2f4f2a8c6a10"},
		{in: "user:abc", wantErr: true},
		{in: "user:", wantErr: true},
		{in: "job:", wantErr: true},
		{in: "team:1", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTopic(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, TopicKey(tt.in), got)
		})
	}
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
		active   bool
	}{
		{JobStatusQueued, false, true},
		{JobStatusRunning, false, true},
		{JobStatusCompleted, true, false},
		{JobStatusFailed, true, false},
		{JobStatusCancelled, true, false},
	}
	for _, tt := range tests {
		require.True(t, tt.status.Valid(), tt.status)
		require.Equal(t, tt.terminal, tt.status.IsTerminal(), tt.status)
		require.Equal(t, tt.active, tt.status.IsActive(), tt.status)
	}
	require.False(t, JobStatus("paused").Valid())
}
