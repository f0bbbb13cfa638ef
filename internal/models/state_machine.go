package models

// JobEvent is a requested change to a job's lifecycle.
type JobEvent string

const (
	EventStart              JobEvent = "START"
	EventStartWithPreview   JobEvent = "START_WITH_PREVIEW"
	EventSkipPreview        JobEvent = "SKIP_PREVIEW"
	EventComplete           JobEvent = "COMPLETE"
	EventCompleteWithErrors JobEvent = "COMPLETE_WITH_ERRORS"
	EventCancel             JobEvent = "CANCEL"
	EventFail               JobEvent = "FAIL"
	EventPause              JobEvent = "PAUSE"
	EventResume             JobEvent = "RESUME"
)

// stateTransitions is the full lifecycle table: for each status, the events
// it accepts and the status each event moves to. Any (status, event) pair
// not present here is rejected.
var stateTransitions = map[JobStatus]map[JobEvent]JobStatus{
	JobStatusAccepted: {
		EventStart:            JobStatusRunning,
		EventStartWithPreview: JobStatusPreviewing,
	},
	JobStatusRunning: {
		EventComplete:           JobStatusSuccessful,
		EventCompleteWithErrors: JobStatusCompleteWithErrors,
		EventCancel:             JobStatusCanceled,
		EventFail:               JobStatusFailed,
		EventPause:              JobStatusPaused,
	},
	JobStatusRunningWithErrors: {
		EventComplete:           JobStatusSuccessful,
		EventCompleteWithErrors: JobStatusCompleteWithErrors,
		EventCancel:             JobStatusCanceled,
		EventFail:               JobStatusFailed,
		EventPause:              JobStatusPaused,
	},
	JobStatusPreviewing: {
		EventSkipPreview: JobStatusRunning,
		EventCancel:      JobStatusCanceled,
		EventFail:        JobStatusFailed,
		EventPause:       JobStatusPaused,
	},
	JobStatusPaused: {
		EventSkipPreview: JobStatusRunning,
		EventResume:      JobStatusRunning,
		EventCancel:      JobStatusCanceled,
		EventFail:        JobStatusFailed,
	},
	JobStatusSuccessful:         {},
	JobStatusCompleteWithErrors: {},
	JobStatusCanceled:           {},
	JobStatusFailed: {
		// Re-failing a failed job is a no-op transition so that racing
		// failure reporters do not conflict.
		EventFail: JobStatusFailed,
	},
}

// terminalStatuses are statuses that accept no further work.
var terminalStatuses = map[JobStatus]bool{
	JobStatusSuccessful:         true,
	JobStatusCompleteWithErrors: true,
	JobStatusCanceled:           true,
	JobStatusFailed:             true,
}

// activeStatuses are statuses in which work may still be dispatched.
var activeStatuses = map[JobStatus]bool{
	JobStatusAccepted:          true,
	JobStatusRunning:           true,
	JobStatusRunningWithErrors: true,
	JobStatusPreviewing:        true,
}

// CanTransition reports whether feeding event to a job in current status
// moves it to desired.
func CanTransition(current, desired JobStatus, event JobEvent) bool {
	target, ok := stateTransitions[current][event]
	return ok && target == desired
}

// TargetStatus returns the status event moves to from current, or false if
// the event is not accepted in that status.
func TargetStatus(current JobStatus, event JobEvent) (JobStatus, bool) {
	target, ok := stateTransitions[current][event]
	return target, ok
}

// IsTerminalStatus reports whether status accepts no further mutation.
func IsTerminalStatus(status JobStatus) bool {
	return terminalStatuses[status]
}

// IsActiveStatus reports whether work may still be dispatched for status.
func IsActiveStatus(status JobStatus) bool {
	return activeStatuses[status]
}
