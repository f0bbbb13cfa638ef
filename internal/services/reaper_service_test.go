package services

import (
	"testing"
	"time"

	"github.com/asjohnston-asf/harmony/internal/models"
)

func TestIsReapable(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	threshold := now.Add(-60 * time.Minute)

	tests := []struct {
		name      string
		status    models.JobStatus
		updatedAt time.Time
		want      bool
	}{
		{"old successful job", models.JobStatusSuccessful, now.Add(-120 * time.Minute), true},
		{"old failed job", models.JobStatusFailed, now.Add(-120 * time.Minute), true},
		{"old canceled job", models.JobStatusCanceled, now.Add(-120 * time.Minute), true},
		{"old running job", models.JobStatusRunning, now.Add(-120 * time.Minute), false},
		{"old complete_with_errors job", models.JobStatusCompleteWithErrors, now.Add(-120 * time.Minute), false},
		{"fresh successful job", models.JobStatusSuccessful, now.Add(-30 * time.Minute), false},
		{"old paused job", models.JobStatusPaused, now.Add(-120 * time.Minute), false},
	}

	for _, tt := range tests {
		if got := IsReapable(tt.status, tt.updatedAt, threshold); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestReaperStopClearsRunningFlag(t *testing.T) {
	reaper := &ReaperService{}
	reaper.isRunning.Store(true)
	reaper.Stop()
	if reaper.isRunning.Load() {
		t.Error("Expected Stop to clear the running flag")
	}
}
