package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/asjohnston-asf/harmony/internal/apperrors"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobStatusAccepted           JobStatus = "accepted"
	JobStatusRunning            JobStatus = "running"
	JobStatusRunningWithErrors  JobStatus = "running_with_errors"
	JobStatusSuccessful         JobStatus = "successful"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCanceled           JobStatus = "canceled"
	JobStatusPaused             JobStatus = "paused"
	JobStatusPreviewing         JobStatus = "previewing"
	JobStatusCompleteWithErrors JobStatus = "complete_with_errors"
)

const (
	// MaxRequestLength is the longest request URL persisted with a job.
	MaxRequestLength = 4096
	// MaxMessageLength caps the serialized status-message blob.
	MaxMessageLength = 4096
	// reservedMessageLength is kept free for the non-failure status
	// messages when truncating the failure message before serialization.
	reservedMessageLength = 1000

	// DataExpirationDays is how long staged outputs are retained.
	DataExpirationDays = 30
)

var requestPattern = regexp.MustCompile(`^https?://.*$`)

// defaultStatusMessages is the message returned for a status when no
// job-specific message has been recorded.
var defaultStatusMessages = map[JobStatus]string{
	JobStatusAccepted:           "The job has been submitted and is being processed",
	JobStatusRunning:            "The job is being processed",
	JobStatusRunningWithErrors:  "The job is being processed, but some items failed",
	JobStatusSuccessful:         "The job has completed successfully",
	JobStatusFailed:             "The job failed with an unknown error",
	JobStatusCanceled:           "The job was canceled",
	JobStatusPaused:             "The job is paused and may be resumed using the provided link",
	JobStatusPreviewing:         "The job is generating a preview before auto-pausing",
	JobStatusCompleteWithErrors: "The job has completed with errors. See the errors field for more details",
}

// Job tracks one end-to-end user request through its lifecycle. Status only
// ever changes through UpdateStatus; the lifecycle mutators validate against
// the state machine first, while the move from running to
// running_with_errors is a direct UpdateStatus call. Derived rows (work items,
// workflow steps, user_work counters, links, errors, labels) hang off
// JobID and are cleaned up separately once the job is terminal.
type Job struct {
	ID    uint   `json:"-" gorm:"primaryKey"`
	JobID string `json:"jobID" gorm:"uniqueIndex;not null"`
	// RequestID is the UUID of the originating request; equal to JobID
	// until a request is split across jobs.
	RequestID string    `json:"requestId" gorm:"not null"`
	Username  string    `json:"username" gorm:"index;not null"`
	Status    JobStatus `json:"status" gorm:"not null;default:'accepted'"`
	// Message holds the serialized status-to-message map. Rows written
	// before the map format hold a plain string for the then-current
	// status; AfterFind handles both.
	Message          string `json:"-" gorm:"type:text"`
	Progress         int    `json:"progress" gorm:"default:0"`
	BatchesCompleted int    `json:"batchesCompleted" gorm:"default:0"`
	Request          string `json:"request" gorm:"type:text;not null"`
	IsAsync          bool   `json:"isAsync" gorm:"default:false"`
	IgnoreErrors     bool   `json:"ignoreErrors" gorm:"default:false"`
	NumInputGranules int    `json:"numInputGranules" gorm:"default:0"`
	// CollectionIDsBlob persists the ordered collection list; immutable
	// after creation.
	CollectionIDsBlob string    `json:"-" gorm:"column:collection_ids;type:text"`
	ProviderID        string    `json:"providerId,omitempty"`
	DestinationURL    string    `json:"destinationUrl,omitempty"`
	ServiceName       string    `json:"serviceName,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`

	// StatusMessages is the in-memory form of Message, keyed by status.
	StatusMessages map[JobStatus]string `json:"-" gorm:"-"`
	// CollectionIDs is the in-memory form of CollectionIDsBlob.
	CollectionIDs []string `json:"-" gorm:"-"`
	// OriginalStatus is the status the row held when it was loaded. It
	// backs the terminal-state write barrier without a re-read.
	OriginalStatus JobStatus `json:"-" gorm:"-"`
	Links          []JobLink `json:"-" gorm:"-"`
	Labels         []string  `json:"-" gorm:"-"`
}

func (Job) TableName() string {
	return "jobs"
}

// AfterFind restores the transient fields from their persisted forms and
// records the loaded status for the terminal write barrier.
func (j *Job) AfterFind(tx *gorm.DB) error {
	j.OriginalStatus = j.Status

	messages, err := parseStatusMessages(j.Message, j.Status)
	if err != nil {
		return err
	}
	j.StatusMessages = messages

	if j.CollectionIDsBlob != "" {
		if err := json.Unmarshal([]byte(j.CollectionIDsBlob), &j.CollectionIDs); err != nil {
			return fmt.Errorf("failed to parse collection ids for job %s: %w", j.JobID, err)
		}
	}
	return nil
}

// parseStatusMessages decodes the persisted message blob. A blob that is
// not syntactically JSON is a legacy plain-string message belonging to the
// current status; any other decode failure propagates.
func parseStatusMessages(blob string, current JobStatus) (map[JobStatus]string, error) {
	messages := map[JobStatus]string{}
	if blob == "" {
		return messages, nil
	}
	if err := json.Unmarshal([]byte(blob), &messages); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return map[JobStatus]string{current: blob}, nil
		}
		return nil, err
	}
	return messages, nil
}

// SerializeMessages renders StatusMessages into the persisted blob,
// truncating the failure message so the whole blob fits the column.
func (j *Job) SerializeMessages() error {
	if j.StatusMessages == nil {
		j.StatusMessages = map[JobStatus]string{}
	}
	if failMsg, ok := j.StatusMessages[JobStatusFailed]; ok {
		j.StatusMessages[JobStatusFailed] = truncateString(failMsg, MaxMessageLength-reservedMessageLength)
	}
	blob, err := json.Marshal(j.StatusMessages)
	if err != nil {
		return err
	}
	j.Message = string(blob)
	return nil
}

// SerializeCollectionIDs renders CollectionIDs into the persisted blob.
func (j *Job) SerializeCollectionIDs() error {
	if len(j.CollectionIDs) == 0 {
		j.CollectionIDsBlob = "[]"
		return nil
	}
	blob, err := json.Marshal(j.CollectionIDs)
	if err != nil {
		return err
	}
	j.CollectionIDsBlob = string(blob)
	return nil
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// GetMessage returns the message recorded for status, falling back to the
// per-status default.
func (j *Job) GetMessage(status JobStatus) string {
	if msg, ok := j.StatusMessages[status]; ok && msg != "" {
		return msg
	}
	return defaultStatusMessages[status]
}

// SetMessage records a message for status, replacing any previous one.
func (j *Job) SetMessage(status JobStatus, message string) {
	if j.StatusMessages == nil {
		j.StatusMessages = map[JobStatus]string{}
	}
	j.StatusMessages[status] = message
}

// ValidateTransition checks that feeding event to a job in current status
// reaches desired, returning a conflict error naming both statuses if not.
func ValidateTransition(current, desired JobStatus, event JobEvent) error {
	if !CanTransition(current, desired, event) {
		return apperrors.Conflict("job",
			fmt.Sprintf("Job status cannot be updated from %s to %s", current, desired))
	}
	return nil
}

// UpdateStatus is the only way a job's status changes. It records the
// optional message under the new status and forces progress to 100 when the
// job reaches a successful terminal state.
func (j *Job) UpdateStatus(status JobStatus, message string) {
	j.Status = status
	if message != "" {
		j.SetMessage(status, message)
	}
	if status == JobStatusSuccessful || status == JobStatusCompleteWithErrors {
		j.Progress = 100
	}
}

// transition validates event against the state machine and applies it.
func (j *Job) transition(event JobEvent, desired JobStatus, message string) error {
	if err := ValidateTransition(j.Status, desired, event); err != nil {
		return err
	}
	j.UpdateStatus(desired, message)
	return nil
}

// Start moves an accepted job into processing.
func (j *Job) Start() error {
	return j.transition(EventStart, JobStatusRunning, "")
}

// StartWithPreview moves an accepted job into the preview phase.
func (j *Job) StartWithPreview() error {
	return j.transition(EventStartWithPreview, JobStatusPreviewing, "")
}

// Pause suspends a job; no further work is dispatched until it resumes.
func (j *Job) Pause() error {
	return j.transition(EventPause, JobStatusPaused, "")
}

// Resume returns a paused job to processing.
func (j *Job) Resume() error {
	return j.transition(EventResume, JobStatusRunning, "")
}

// SkipPreview moves a previewing or paused job straight to processing.
func (j *Job) SkipPreview() error {
	return j.transition(EventSkipPreview, JobStatusRunning, "")
}

// Fail marks the job failed with an optional message.
func (j *Job) Fail(message string) error {
	return j.transition(EventFail, JobStatusFailed, message)
}

// Cancel marks the job canceled with an optional message.
func (j *Job) Cancel(message string) error {
	return j.transition(EventCancel, JobStatusCanceled, message)
}

// Succeed marks the job successful with an optional message.
func (j *Job) Succeed(message string) error {
	return j.transition(EventComplete, JobStatusSuccessful, message)
}

// CompleteWithErrors marks the job complete despite item failures.
func (j *Job) CompleteWithErrors(message string) error {
	return j.transition(EventCompleteWithErrors, JobStatusCompleteWithErrors, message)
}

// ValidateStatus enforces the terminal write barrier: a job loaded in a
// terminal status refuses any further persisted change. Re-failing an
// already failed job is the one exception.
func (j *Job) ValidateStatus() error {
	if j.OriginalStatus == "" || !IsTerminalStatus(j.OriginalStatus) {
		return nil
	}
	if j.OriginalStatus == JobStatusFailed && j.Status == JobStatusFailed {
		return nil
	}
	return apperrors.Conflict("job",
		fmt.Sprintf("Job %s is in a terminal state (%s) and cannot be updated", j.JobID, j.OriginalStatus))
}

// Validate returns the list of field problems on the job, empty when the
// job is valid.
func (j *Job) Validate() []string {
	var problems []string
	if j.Progress < 0 || j.Progress > 100 {
		problems = append(problems, "Job progress must be between 0 and 100")
	}
	if j.BatchesCompleted < 0 {
		problems = append(problems, "Job batchesCompleted must be greater than or equal to 0")
	}
	if !requestPattern.MatchString(j.Request) {
		problems = append(problems, fmt.Sprintf("Invalid request URL '%s'", j.Request))
	}
	return problems
}

// HasTerminalStatus reports whether the job accepts no further mutation.
func (j *Job) HasTerminalStatus() bool {
	return IsTerminalStatus(j.Status)
}

// IsPaused reports whether the job is paused.
func (j *Job) IsPaused() bool {
	return j.Status == JobStatusPaused
}

// BelongsToOrIsAdmin reports whether username may view or mutate this job.
func (j *Job) BelongsToOrIsAdmin(username string, isAdmin bool) bool {
	return isAdmin || j.Username == username
}

// GetDataExpiration returns when staged outputs expire, or nil for jobs
// that deliver to a user-supplied destination.
func (j *Job) GetDataExpiration() *time.Time {
	if j.DestinationURL != "" {
		return nil
	}
	expiration := j.CreatedAt.AddDate(0, 0, DataExpirationDays)
	return &expiration
}

// CompleteBatch records that one batch of work items finished.
func (j *Job) CompleteBatch() {
	j.BatchesCompleted++
}

// AddLink appends an output link to the job. Links are append-only; links
// that already have an identifier are never rewritten on save.
func (j *Job) AddLink(link JobLink) {
	link.JobID = j.JobID
	j.Links = append(j.Links, link)
}

// AddStagingBucketLink adds the link under which staged outputs for the
// job can be retrieved directly from object storage.
func (j *Job) AddStagingBucketLink(stagingLocation string) {
	if stagingLocation == "" {
		return
	}
	j.AddLink(JobLink{
		Href:  stagingLocation,
		Title: "Results in AWS S3. Access from AWS us-west-2 with keys from /cloud-access.sh",
		Rel:   "s3-access",
	})
}

// HasLinks reports whether the job has any links, optionally restricted to
// a relation and to links carrying spatial or temporal extents.
func (j *Job) HasLinks(rel string, spatioTemporal bool) bool {
	for _, link := range j.Links {
		if rel != "" && link.Rel != rel {
			continue
		}
		if spatioTemporal && link.BBox == "" && link.TemporalStart == nil && link.TemporalEnd == nil {
			continue
		}
		return true
	}
	return false
}

// CollectionChecker answers collection-permission questions from the
// metadata catalog for shareability decisions.
type CollectionChecker interface {
	// HasEULARestriction reports whether any of the collections requires
	// a EULA acceptance that blocks sharing.
	HasEULARestriction(token string, collectionIDs []string) bool
}

// IsShareable reports whether the job's results may be shared with users
// other than the owner. Jobs without collections, or with EULA-restricted
// collections, are not shareable.
func (j *Job) IsShareable(token string, checker CollectionChecker) bool {
	if len(j.CollectionIDs) == 0 {
		return false
	}
	if checker != nil && checker.HasEULARestriction(token, j.CollectionIDs) {
		return false
	}
	return true
}

// TruncateRequest caps the stored request URL at the column limit.
func (j *Job) TruncateRequest() {
	j.Request = truncateString(j.Request, MaxRequestLength)
}

// JobOutput is the outward form of a job returned to API callers. Empty
// fields are dropped from the serialized form.
type JobOutput struct {
	JobID            string          `json:"jobID"`
	Username         string          `json:"username"`
	Status           JobStatus       `json:"status"`
	Message          string          `json:"message,omitempty"`
	Progress         int             `json:"progress"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	DataExpiration   *time.Time      `json:"dataExpiration,omitempty"`
	Links            []JobLinkOutput `json:"links,omitempty"`
	Labels           []string        `json:"labels,omitempty"`
	Request          string          `json:"request,omitempty"`
	NumInputGranules int             `json:"numInputGranules"`
}

// ToOutput builds the outward form of the job. When urlRoot is supplied,
// staged-output links are rewritten to public permalinks, except s3-access
// links and jobs delivering to a user destination.
func (j *Job) ToOutput(urlRoot string) JobOutput {
	out := JobOutput{
		JobID:            j.JobID,
		Username:         j.Username,
		Status:           j.Status,
		Message:          j.GetMessage(j.Status),
		Progress:         j.Progress,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		DataExpiration:   j.GetDataExpiration(),
		Labels:           j.Labels,
		Request:          j.Request,
		NumInputGranules: j.NumInputGranules,
	}
	for _, link := range j.Links {
		href := link.Href
		if urlRoot != "" && link.Rel != "s3-access" && j.DestinationURL == "" {
			href = permalink(urlRoot, href)
		}
		out.Links = append(out.Links, JobLinkOutput{
			Href:          href,
			Title:         link.Title,
			Type:          link.Type,
			Rel:           link.Rel,
			BBox:          link.BBox,
			TemporalStart: link.TemporalStart,
			TemporalEnd:   link.TemporalEnd,
		})
	}
	return out
}

// permalink rewrites a staging-bucket object URL into a public link served
// under urlRoot. Links that do not point at object storage pass through.
func permalink(urlRoot, href string) string {
	if !strings.HasPrefix(href, "s3://") {
		return href
	}
	return strings.TrimSuffix(urlRoot, "/") + "/service-results/" + strings.TrimPrefix(href, "s3://")
}
