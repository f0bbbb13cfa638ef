package models

import "testing"

var allEvents = []JobEvent{
	EventStart,
	EventStartWithPreview,
	EventSkipPreview,
	EventComplete,
	EventCompleteWithErrors,
	EventCancel,
	EventFail,
	EventPause,
	EventResume,
}

var allStatuses = []JobStatus{
	JobStatusAccepted,
	JobStatusRunning,
	JobStatusRunningWithErrors,
	JobStatusSuccessful,
	JobStatusFailed,
	JobStatusCanceled,
	JobStatusPaused,
	JobStatusPreviewing,
	JobStatusCompleteWithErrors,
}

func TestCanTransitionAllowed(t *testing.T) {
	tests := []struct {
		current JobStatus
		event   JobEvent
		desired JobStatus
	}{
		{JobStatusAccepted, EventStart, JobStatusRunning},
		{JobStatusAccepted, EventStartWithPreview, JobStatusPreviewing},
		{JobStatusRunning, EventComplete, JobStatusSuccessful},
		{JobStatusRunning, EventCompleteWithErrors, JobStatusCompleteWithErrors},
		{JobStatusRunning, EventCancel, JobStatusCanceled},
		{JobStatusRunning, EventFail, JobStatusFailed},
		{JobStatusRunning, EventPause, JobStatusPaused},
		{JobStatusRunningWithErrors, EventComplete, JobStatusSuccessful},
		{JobStatusRunningWithErrors, EventCompleteWithErrors, JobStatusCompleteWithErrors},
		{JobStatusRunningWithErrors, EventCancel, JobStatusCanceled},
		{JobStatusRunningWithErrors, EventFail, JobStatusFailed},
		{JobStatusRunningWithErrors, EventPause, JobStatusPaused},
		{JobStatusPreviewing, EventSkipPreview, JobStatusRunning},
		{JobStatusPreviewing, EventCancel, JobStatusCanceled},
		{JobStatusPreviewing, EventFail, JobStatusFailed},
		{JobStatusPreviewing, EventPause, JobStatusPaused},
		{JobStatusPaused, EventSkipPreview, JobStatusRunning},
		{JobStatusPaused, EventResume, JobStatusRunning},
		{JobStatusPaused, EventCancel, JobStatusCanceled},
		{JobStatusPaused, EventFail, JobStatusFailed},
		{JobStatusFailed, EventFail, JobStatusFailed},
	}

	for _, tt := range tests {
		if !CanTransition(tt.current, tt.desired, tt.event) {
			t.Errorf("Expected %s + %s -> %s to be allowed", tt.current, tt.event, tt.desired)
		}
	}
}

func TestCanTransitionRejectsUnlistedEvents(t *testing.T) {
	// For every status, events outside its table row must be rejected for
	// every conceivable target.
	for _, status := range allStatuses {
		accepted := stateTransitions[status]
		for _, event := range allEvents {
			if _, ok := accepted[event]; ok {
				continue
			}
			for _, desired := range allStatuses {
				if CanTransition(status, desired, event) {
					t.Errorf("Expected %s + %s -> %s to be rejected", status, event, desired)
				}
			}
		}
	}
}

func TestCanTransitionRejectsWrongTarget(t *testing.T) {
	// An accepted event must still reject targets other than the one the
	// table names.
	if CanTransition(JobStatusRunning, JobStatusCanceled, EventComplete) {
		t.Error("Expected COMPLETE to reject a canceled target")
	}
	if CanTransition(JobStatusAccepted, JobStatusPreviewing, EventStart) {
		t.Error("Expected START to reject a previewing target")
	}
}

func TestTerminalStatusesAcceptNoProgress(t *testing.T) {
	terminals := []JobStatus{
		JobStatusSuccessful,
		JobStatusCompleteWithErrors,
		JobStatusCanceled,
		JobStatusFailed,
	}
	for _, status := range terminals {
		if !IsTerminalStatus(status) {
			t.Errorf("Expected %s to be terminal", status)
		}
		for _, event := range allEvents {
			if status == JobStatusFailed && event == EventFail {
				continue
			}
			if _, ok := stateTransitions[status][event]; ok {
				t.Errorf("Terminal status %s unexpectedly accepts event %s", status, event)
			}
		}
	}
}

func TestActiveStatuses(t *testing.T) {
	actives := []JobStatus{
		JobStatusAccepted,
		JobStatusRunning,
		JobStatusRunningWithErrors,
		JobStatusPreviewing,
	}
	for _, status := range actives {
		if !IsActiveStatus(status) {
			t.Errorf("Expected %s to be active", status)
		}
	}
	if IsActiveStatus(JobStatusPaused) {
		t.Error("Expected paused not to be active")
	}
	if IsActiveStatus(JobStatusSuccessful) {
		t.Error("Expected successful not to be active")
	}
}
