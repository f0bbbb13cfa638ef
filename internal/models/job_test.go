package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/asjohnston-asf/harmony/internal/apperrors"
)

func newTestJob() *Job {
	return &Job{
		JobID:            "8aba9947-1986-4121-8968-cc17bc1a0965",
		RequestID:        "8aba9947-1986-4121-8968-cc17bc1a0965",
		Username:         "jdoe",
		Status:           JobStatusAccepted,
		Request:          "https://harmony.example.com/ogc-api-coverages/collections/all/coverage/rangeset",
		NumInputGranules: 2,
	}
}

func TestJobRunsToSuccess(t *testing.T) {
	job := newTestJob()

	if err := job.Start(); err != nil {
		t.Fatalf("Unexpected error starting job: %v", err)
	}
	if err := job.Succeed(""); err != nil {
		t.Fatalf("Unexpected error completing job: %v", err)
	}

	if job.Status != JobStatusSuccessful {
		t.Errorf("Expected status successful, got %s", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", job.Progress)
	}
	if msg := job.GetMessage(job.Status); msg != "The job has completed successfully" {
		t.Errorf("Unexpected completion message: %q", msg)
	}
}

func TestJobPauseResumeCycle(t *testing.T) {
	job := newTestJob()

	steps := []func() error{
		job.Start,
		job.Pause,
		job.Resume,
		func() error { return job.Succeed("") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("Unexpected error at step %d: %v", i, err)
		}
	}
	if job.Status != JobStatusSuccessful {
		t.Errorf("Expected status successful, got %s", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", job.Progress)
	}
}

func TestResumeFromRunningConflicts(t *testing.T) {
	job := newTestJob()
	if err := job.Start(); err != nil {
		t.Fatalf("Unexpected error starting job: %v", err)
	}

	err := job.Resume()
	if err == nil {
		t.Fatal("Expected resuming a running job to fail")
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected a conflict error, got %v", err)
	}
	if !strings.Contains(err.Error(), "running") {
		t.Errorf("Expected the error to name the current status, got %q", err.Error())
	}
	if job.Status != JobStatusRunning {
		t.Errorf("Expected status unchanged after rejected transition, got %s", job.Status)
	}
}

func TestValidateRejectsNonHTTPRequest(t *testing.T) {
	job := newTestJob()
	job.Request = "ftp://x"

	problems := job.Validate()
	if len(problems) == 0 {
		t.Fatal("Expected validation problems for an ftp request URL")
	}
	found := false
	for _, p := range problems {
		if strings.Contains(p, "request URL") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a request URL problem, got %v", problems)
	}
}

func TestValidateRanges(t *testing.T) {
	job := newTestJob()
	job.Progress = 101
	job.BatchesCompleted = -1

	problems := job.Validate()
	if len(problems) != 2 {
		t.Errorf("Expected 2 validation problems, got %d: %v", len(problems), problems)
	}
}

func TestUpdateStatusForcesProgressOnSuccess(t *testing.T) {
	for _, status := range []JobStatus{JobStatusSuccessful, JobStatusCompleteWithErrors} {
		job := newTestJob()
		job.Progress = 42
		job.UpdateStatus(status, "")
		if job.Progress != 100 {
			t.Errorf("Expected progress 100 after %s, got %d", status, job.Progress)
		}
	}
}

func TestTruncateRequest(t *testing.T) {
	job := newTestJob()
	job.Request = "https://harmony.example.com/?granules=" + strings.Repeat("g", 5000)
	job.TruncateRequest()
	if len(job.Request) != MaxRequestLength {
		t.Errorf("Expected request truncated to %d, got %d", MaxRequestLength, len(job.Request))
	}

	short := newTestJob()
	original := short.Request
	short.TruncateRequest()
	if short.Request != original {
		t.Error("Expected a short request to round-trip unchanged")
	}
}

func TestFailureMessageTruncation(t *testing.T) {
	job := newTestJob()
	job.SetMessage(JobStatusFailed, strings.Repeat("x", 5000))
	if err := job.SerializeMessages(); err != nil {
		t.Fatalf("Unexpected error serializing messages: %v", err)
	}
	if got := len(job.StatusMessages[JobStatusFailed]); got != MaxMessageLength-reservedMessageLength {
		t.Errorf("Expected failure message truncated to %d, got %d", MaxMessageLength-reservedMessageLength, got)
	}
	if len(job.Message) > MaxMessageLength {
		t.Errorf("Expected serialized blob within %d characters, got %d", MaxMessageLength, len(job.Message))
	}
}

func TestParseStatusMessagesMapFormat(t *testing.T) {
	messages, err := parseStatusMessages(`{"running":"still going","failed":"boom"}`, JobStatusRunning)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if messages[JobStatusRunning] != "still going" {
		t.Errorf("Unexpected running message: %q", messages[JobStatusRunning])
	}
	if messages[JobStatusFailed] != "boom" {
		t.Errorf("Unexpected failed message: %q", messages[JobStatusFailed])
	}
}

func TestParseStatusMessagesLegacyString(t *testing.T) {
	messages, err := parseStatusMessages("CMR query failed", JobStatusFailed)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if messages[JobStatusFailed] != "CMR query failed" {
		t.Errorf("Expected the legacy string assigned to the current status, got %v", messages)
	}
}

func TestGetMessageFallsBackToDefault(t *testing.T) {
	job := newTestJob()
	if msg := job.GetMessage(JobStatusRunning); msg != "The job is being processed" {
		t.Errorf("Unexpected default message: %q", msg)
	}
	job.SetMessage(JobStatusRunning, "custom")
	if msg := job.GetMessage(JobStatusRunning); msg != "custom" {
		t.Errorf("Expected the recorded message, got %q", msg)
	}
}

func TestValidateStatusTerminalBarrier(t *testing.T) {
	job := newTestJob()
	job.Status = JobStatusSuccessful
	job.OriginalStatus = JobStatusSuccessful

	err := job.ValidateStatus()
	if err == nil {
		t.Fatal("Expected a terminally-stored job to reject writes")
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected a conflict error, got %v", err)
	}
}

func TestValidateStatusAllowsRefail(t *testing.T) {
	job := newTestJob()
	job.Status = JobStatusFailed
	job.OriginalStatus = JobStatusFailed

	if err := job.ValidateStatus(); err != nil {
		t.Errorf("Expected failed -> failed to be allowed, got %v", err)
	}
}

func TestValidateStatusAllowsActiveWrites(t *testing.T) {
	job := newTestJob()
	job.OriginalStatus = JobStatusRunning
	job.Status = JobStatusPaused

	if err := job.ValidateStatus(); err != nil {
		t.Errorf("Expected a non-terminal job to accept writes, got %v", err)
	}
}

func TestGetDataExpiration(t *testing.T) {
	job := newTestJob()
	job.CreatedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	expiration := job.GetDataExpiration()
	if expiration == nil {
		t.Fatal("Expected an expiration for a job without a destination")
	}
	expected := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	if !expiration.Equal(expected) {
		t.Errorf("Expected expiration %v, got %v", expected, expiration)
	}

	job.DestinationURL = "s3://my-bucket/results/"
	if job.GetDataExpiration() != nil {
		t.Error("Expected no expiration for a job with a destination")
	}
}

func TestCompleteBatch(t *testing.T) {
	job := newTestJob()
	job.CompleteBatch()
	job.CompleteBatch()
	if job.BatchesCompleted != 2 {
		t.Errorf("Expected 2 batches completed, got %d", job.BatchesCompleted)
	}
}

func TestBelongsToOrIsAdmin(t *testing.T) {
	job := newTestJob()
	if !job.BelongsToOrIsAdmin("jdoe", false) {
		t.Error("Expected the owner to have access")
	}
	if job.BelongsToOrIsAdmin("other", false) {
		t.Error("Expected a non-owner to be denied")
	}
	if !job.BelongsToOrIsAdmin("other", true) {
		t.Error("Expected an admin to have access")
	}
}

func TestAddStagingBucketLink(t *testing.T) {
	job := newTestJob()
	job.AddStagingBucketLink("s3://staging/public/jdoe/")
	if len(job.Links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(job.Links))
	}
	if job.Links[0].Rel != "s3-access" {
		t.Errorf("Expected rel s3-access, got %q", job.Links[0].Rel)
	}
	if job.Links[0].JobID != job.JobID {
		t.Error("Expected the link to carry the job id")
	}
}

func TestHasLinks(t *testing.T) {
	job := newTestJob()
	if job.HasLinks("", false) {
		t.Error("Expected no links on a new job")
	}
	now := time.Now()
	job.AddLink(JobLink{Href: "s3://out/a.nc", Rel: "data"})
	job.AddLink(JobLink{Href: "s3://out/b.nc", Rel: "data", BBox: "-180,-90,180,90", TemporalStart: &now})

	if !job.HasLinks("data", false) {
		t.Error("Expected data links to be found")
	}
	if job.HasLinks("stac", false) {
		t.Error("Expected no stac links")
	}
	if !job.HasLinks("data", true) {
		t.Error("Expected a spatio-temporal data link to be found")
	}
	if job.HasLinks("stac", true) {
		t.Error("Expected no spatio-temporal stac links")
	}
}

type stubChecker struct {
	restricted bool
}

func (s stubChecker) HasEULARestriction(token string, collectionIDs []string) bool {
	return s.restricted
}

func TestIsShareable(t *testing.T) {
	job := newTestJob()
	if job.IsShareable("token", stubChecker{}) {
		t.Error("Expected a job without collections not to be shareable")
	}

	job.CollectionIDs = []string{"C1234-ASF"}
	if !job.IsShareable("token", stubChecker{restricted: false}) {
		t.Error("Expected an unrestricted job to be shareable")
	}
	if job.IsShareable("token", stubChecker{restricted: true}) {
		t.Error("Expected a EULA-restricted job not to be shareable")
	}
}

func TestToOutputRewritesPermalinks(t *testing.T) {
	job := newTestJob()
	job.AddLink(JobLink{Href: "s3://staging/outputs/a.nc", Rel: "data"})
	job.AddStagingBucketLink("s3://staging/outputs/")

	out := job.ToOutput("https://harmony.example.com")
	if len(out.Links) != 2 {
		t.Fatalf("Expected 2 links, got %d", len(out.Links))
	}
	if out.Links[0].Href != "https://harmony.example.com/service-results/staging/outputs/a.nc" {
		t.Errorf("Expected a rewritten permalink, got %q", out.Links[0].Href)
	}
	if out.Links[1].Href != "s3://staging/outputs/" {
		t.Errorf("Expected the s3-access link untouched, got %q", out.Links[1].Href)
	}
}

func TestToOutputLeavesDestinationJobsAlone(t *testing.T) {
	job := newTestJob()
	job.DestinationURL = "s3://user-bucket/"
	job.AddLink(JobLink{Href: "s3://user-bucket/a.nc", Rel: "data"})

	out := job.ToOutput("https://harmony.example.com")
	if out.Links[0].Href != "s3://user-bucket/a.nc" {
		t.Errorf("Expected the link untouched for a destination job, got %q", out.Links[0].Href)
	}
	if out.DataExpiration != nil {
		t.Error("Expected no data expiration for a destination job")
	}
}
