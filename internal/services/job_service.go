package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/asjohnston-asf/harmony/internal/apperrors"
	"github.com/asjohnston-asf/harmony/internal/metrics"
	"github.com/asjohnston-asf/harmony/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobService handles persistence and queries for jobs.
type JobService struct {
	db *gorm.DB
}

// NewJobService creates a new job service
func NewJobService(db *gorm.DB) *JobService {
	return &JobService{db: db}
}

// exactMatchFields is the whitelist of columns usable for exact-match
// constraints.
var exactMatchFields = map[string]bool{
	"job_id":        true,
	"request_id":    true,
	"username":      true,
	"status":        true,
	"provider_id":   true,
	"service_name":  true,
	"is_async":      true,
	"ignore_errors": true,
}

// listMatchFields is the whitelist of columns usable with whereIn and
// whereNotIn constraints.
var listMatchFields = map[string]bool{
	"status":       true,
	"service_name": true,
	"provider_id":  true,
	"username":     true,
	"job_id":       true,
}

// dateRangeFields is the whitelist of columns usable for date ranges.
var dateRangeFields = map[string]bool{
	"created_at": true,
	"updated_at": true,
}

// JobQuery carries the optional constraints accepted by listing queries.
type JobQuery struct {
	Where      map[string]interface{}
	WhereIn    map[string][]string
	WhereNotIn map[string][]string
	// DateField selects created_at or updated_at for the From/To range.
	DateField string
	From      *time.Time
	To        *time.Time
	// OrderField/OrderDir default to created_at desc.
	OrderField string
	OrderDir   string
}

// Pagination is length-aware paging metadata returned with listings.
type Pagination struct {
	CurrentPage int   `json:"currentPage"`
	PerPage     int   `json:"perPage"`
	Total       int64 `json:"total"`
	TotalPages  int   `json:"totalPages"`
}

// applyConstraints builds the query scope from a JobQuery, rejecting any
// field outside the whitelists.
func applyConstraints(tx *gorm.DB, q JobQuery) (*gorm.DB, error) {
	for field, value := range q.Where {
		if !exactMatchFields[field] {
			return nil, apperrors.Validation(field, fmt.Sprintf("Unsupported query field '%s'", field))
		}
		tx = tx.Where(fmt.Sprintf("%s = ?", field), value)
	}
	for field, values := range q.WhereIn {
		if !listMatchFields[field] {
			return nil, apperrors.Validation(field, fmt.Sprintf("Unsupported query field '%s'", field))
		}
		tx = tx.Where(fmt.Sprintf("%s IN ?", field), values)
	}
	for field, values := range q.WhereNotIn {
		if !listMatchFields[field] {
			return nil, apperrors.Validation(field, fmt.Sprintf("Unsupported query field '%s'", field))
		}
		tx = tx.Where(fmt.Sprintf("%s NOT IN ?", field), values)
	}
	if q.From != nil || q.To != nil {
		field := q.DateField
		if field == "" {
			field = "created_at"
		}
		if !dateRangeFields[field] {
			return nil, apperrors.Validation(field, fmt.Sprintf("Unsupported date range field '%s'", field))
		}
		if q.From != nil {
			tx = tx.Where(fmt.Sprintf("%s >= ?", field), *q.From)
		}
		if q.To != nil {
			tx = tx.Where(fmt.Sprintf("%s <= ?", field), *q.To)
		}
	}

	orderField := q.OrderField
	if orderField == "" {
		orderField = "created_at"
	}
	if !exactMatchFields[orderField] && !dateRangeFields[orderField] && orderField != "progress" {
		return nil, apperrors.Validation(orderField, fmt.Sprintf("Unsupported order field '%s'", orderField))
	}
	orderDir := strings.ToLower(q.OrderDir)
	if orderDir != "asc" {
		orderDir = "desc"
	}
	tx = tx.Order(fmt.Sprintf("%s %s", orderField, orderDir))
	return tx, nil
}

// CreateJob validates and inserts a new job along with its initial links
// and labels.
func (s *JobService) CreateJob(tx *gorm.DB, job *models.Job) error {
	if problems := job.Validate(); len(problems) > 0 {
		return apperrors.Validation("job", strings.Join(problems, "; "))
	}
	job.TruncateRequest()
	if err := job.SerializeMessages(); err != nil {
		return err
	}
	if err := job.SerializeCollectionIDs(); err != nil {
		return err
	}
	if err := tx.Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.OriginalStatus = job.Status
	if err := s.saveLinks(tx, job); err != nil {
		return err
	}
	return s.saveLabels(tx, job)
}

// Save persists the job's record fields within the caller's transaction.
// It enforces the terminal write barrier, truncates oversized fields,
// serializes the blob columns, inserts any new links, and reconciles
// labels. Existing links are never updated.
func (s *JobService) Save(tx *gorm.DB, job *models.Job) error {
	if err := job.ValidateStatus(); err != nil {
		return err
	}
	if problems := job.Validate(); len(problems) > 0 {
		return apperrors.Validation("job", strings.Join(problems, "; "))
	}
	job.TruncateRequest()
	if err := job.SerializeMessages(); err != nil {
		return err
	}
	if err := job.SerializeCollectionIDs(); err != nil {
		return err
	}

	if job.ID == 0 {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	} else {
		updates := map[string]interface{}{
			"username":           job.Username,
			"status":             job.Status,
			"message":            job.Message,
			"progress":           job.Progress,
			"batches_completed":  job.BatchesCompleted,
			"request":            job.Request,
			"is_async":           job.IsAsync,
			"ignore_errors":      job.IgnoreErrors,
			"num_input_granules": job.NumInputGranules,
			"collection_ids":     job.CollectionIDsBlob,
			"provider_id":        job.ProviderID,
			"destination_url":    job.DestinationURL,
			"service_name":       job.ServiceName,
			"request_id":         job.RequestID,
		}
		if err := tx.Model(&models.Job{}).Where("job_id = ?", job.JobID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to save job %s: %w", job.JobID, err)
		}
	}

	if err := s.saveLinks(tx, job); err != nil {
		return err
	}
	return s.saveLabels(tx, job)
}

// saveLinks inserts links that do not have an identifier yet.
func (s *JobService) saveLinks(tx *gorm.DB, job *models.Job) error {
	for i := range job.Links {
		if job.Links[i].ID != 0 {
			continue
		}
		job.Links[i].JobID = job.JobID
		if err := tx.Create(&job.Links[i]).Error; err != nil {
			return fmt.Errorf("failed to save link for job %s: %w", job.JobID, err)
		}
	}
	return nil
}

// saveLabels reconciles the job's label set: duplicates are suppressed,
// missing labels are inserted, join rows are established, and joins for
// labels no longer in the set are removed. A nil Labels slice means the
// labels were never loaded and the join rows are left alone.
func (s *JobService) saveLabels(tx *gorm.DB, job *models.Job) error {
	if job.Labels == nil {
		return nil
	}

	seen := map[string]bool{}
	unique := []string{}
	for _, value := range job.Labels {
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		unique = append(unique, value)
	}
	job.Labels = unique

	stale := tx.Session(&gorm.Session{NewDB: true}).
		Where("job_id = ?", job.JobID)
	if len(unique) > 0 {
		stale = stale.Where(
			"label_id NOT IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&models.Label{}).
				Select("id").
				Where("value IN ?", unique),
		)
	}
	if err := stale.Delete(&models.JobLabel{}).Error; err != nil {
		return fmt.Errorf("failed to remove stale labels for job %s: %w", job.JobID, err)
	}

	for _, value := range unique {
		var label models.Label
		if err := tx.Where(models.Label{Value: value}).FirstOrCreate(&label).Error; err != nil {
			return fmt.Errorf("failed to save label %q: %w", value, err)
		}
		join := models.JobLabel{JobID: job.JobID, LabelID: label.ID}
		if err := tx.Where(models.JobLabel{JobID: job.JobID, LabelID: label.ID}).FirstOrCreate(&join).Error; err != nil {
			return fmt.Errorf("failed to attach label %q to job %s: %w", value, job.JobID, err)
		}
	}
	return nil
}

// ByJobID returns the job with the given jobID, or nil when no such job
// exists. When lock is set the row is read FOR UPDATE within the caller's
// transaction, serializing conflicting mutators.
func (s *JobService) ByJobID(tx *gorm.DB, jobID string, includeLinks, includeLabels, lock bool) (*models.Job, error) {
	query := tx.Where("job_id = ?", jobID)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job models.Job
	if err := query.First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if includeLinks {
		if err := s.loadLinks(tx, &job); err != nil {
			return nil, err
		}
	}
	if includeLabels {
		if err := s.loadLabels(tx, &job); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

// ByUsernameAndJobID returns the job only when it belongs to username.
func (s *JobService) ByUsernameAndJobID(tx *gorm.DB, username, jobID string, includeLinks, includeLabels, lock bool) (*models.Job, error) {
	job, err := s.ByJobID(tx, jobID, includeLinks, includeLabels, lock)
	if err != nil || job == nil {
		return job, err
	}
	if job.Username != username {
		return nil, nil
	}
	return job, nil
}

// ForUser returns all jobs belonging to username, newest first.
func (s *JobService) ForUser(tx *gorm.DB, username string) ([]models.Job, error) {
	var jobs []models.Job
	err := tx.Where("username = ?", username).Order("created_at desc").Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// QueryAll lists jobs matching the constraints with pagination metadata.
func (s *JobService) QueryAll(tx *gorm.DB, q JobQuery, currentPage, perPage int, includeLabels bool) ([]models.Job, *Pagination, error) {
	if currentPage < 1 {
		currentPage = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	scope, err := applyConstraints(tx.Model(&models.Job{}), q)
	if err != nil {
		return nil, nil, err
	}

	var total int64
	if err := scope.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, nil, err
	}

	var jobs []models.Job
	offset := (currentPage - 1) * perPage
	if err := scope.Offset(offset).Limit(perPage).Find(&jobs).Error; err != nil {
		return nil, nil, err
	}

	if includeLabels {
		for i := range jobs {
			if err := s.loadLabels(tx, &jobs[i]); err != nil {
				return nil, nil, err
			}
		}
	}

	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	pagination := &Pagination{
		CurrentPage: currentPage,
		PerPage:     perPage,
		Total:       total,
		TotalPages:  totalPages,
	}
	return jobs, pagination, nil
}

func (s *JobService) loadLinks(tx *gorm.DB, job *models.Job) error {
	return tx.Where("job_id = ?", job.JobID).Order("id asc").Find(&job.Links).Error
}

func (s *JobService) loadLabels(tx *gorm.DB, job *models.Job) error {
	err := tx.Model(&models.Label{}).
		Joins("JOIN jobs_labels ON jobs_labels.label_id = labels.id").
		Where("jobs_labels.job_id = ?", job.JobID).
		Order("labels.value asc").
		Pluck("labels.value", &job.Labels).Error
	if err != nil {
		return err
	}
	// Loaded labels are authoritative for save-time reconciliation, even
	// when the set is empty.
	if job.Labels == nil {
		job.Labels = []string{}
	}
	return nil
}

// UpdateProgress rolls the job's workflow-step completion up into the
// job-level percentage. Progress only moves forward; reaching 100 is
// reserved for the terminal success transitions.
func (s *JobService) UpdateProgress(tx *gorm.DB, job *models.Job) error {
	var steps []models.WorkflowStep
	if err := tx.Where("job_id = ?", job.JobID).Order("step_index asc").Find(&steps).Error; err != nil {
		return err
	}
	candidate := models.RollUpProgress(steps)

	for i := range steps {
		err := tx.Model(&models.WorkflowStep{}).
			Where("id = ?", steps[i].ID).
			Update("progress", steps[i].Progress).Error
		if err != nil {
			return err
		}
	}

	if candidate > job.Progress {
		job.Progress = candidate
		return tx.Model(&models.Job{}).
			Where("job_id = ?", job.JobID).
			Update("progress", candidate).Error
	}
	return nil
}

// JobFinished reports whether every step of the job has materialized at
// least one item and completed all of them.
func (s *JobService) JobFinished(tx *gorm.DB, jobID string) (bool, error) {
	var steps []models.WorkflowStep
	if err := tx.Where("job_id = ?", jobID).Order("step_index asc").Find(&steps).Error; err != nil {
		return false, err
	}
	if len(steps) == 0 {
		return false, nil
	}
	for _, step := range steps {
		if step.WorkItemCount == 0 || step.CompletedWorkItemCount < step.WorkItemCount {
			return false, nil
		}
	}
	return true, nil
}

// JobHadErrors reports whether any error rows were recorded for the job.
func (s *JobService) JobHadErrors(tx *gorm.DB, jobID string) (bool, error) {
	var count int64
	err := tx.Model(&models.JobError{}).Where("job_id = ?", jobID).Count(&count).Error
	return count > 0, err
}

// TryCompleteJob fires the terminal success transition when every step has
// drained and the job's current status accepts it. A job paused or
// previewing while its last item finished completes here the next time it
// returns to a running state. Reports whether the job completed; the
// caller still saves.
func (s *JobService) TryCompleteJob(tx *gorm.DB, job *models.Job) (bool, error) {
	finished, err := s.JobFinished(tx, job.JobID)
	if err != nil || !finished {
		return false, err
	}
	hadErrors, err := s.JobHadErrors(tx, job.JobID)
	if err != nil {
		return false, err
	}
	if hadErrors {
		if !models.CanTransition(job.Status, models.JobStatusCompleteWithErrors, models.EventCompleteWithErrors) {
			return false, nil
		}
		job.CompleteBatch()
		if err := job.CompleteWithErrors(""); err != nil {
			return false, err
		}
	} else {
		if !models.CanTransition(job.Status, models.JobStatusSuccessful, models.EventComplete) {
			return false, nil
		}
		job.CompleteBatch()
		if err := job.Succeed(""); err != nil {
			return false, err
		}
	}
	metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()
	return true, nil
}

// GetNumInputGranules returns the job's input granule count. The job row
// must exist; callers that cannot guarantee that must handle the not-found
// error from the store.
func (s *JobService) GetNumInputGranules(tx *gorm.DB, jobID string) (int, error) {
	var job models.Job
	if err := tx.Select("num_input_granules").Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return 0, err
	}
	return job.NumInputGranules, nil
}

// RecordError appends an error row for the job.
func (s *JobService) RecordError(tx *gorm.DB, jobID, url, message string) error {
	jobError := models.JobError{
		JobID:   jobID,
		URL:     url,
		Message: message,
	}
	return tx.Create(&jobError).Error
}

// ErrorsForJob returns the job's error rows, oldest first.
func (s *JobService) ErrorsForJob(tx *gorm.DB, jobID string) ([]models.JobError, error) {
	var jobErrors []models.JobError
	err := tx.Where("job_id = ?", jobID).Order("id asc").Find(&jobErrors).Error
	return jobErrors, err
}

var (
	providerIDsMu       sync.Mutex
	providerIDsLoaded   bool
	providerIDsSnapshot []string
)

// GetProviderIdsSnapshot returns the distinct provider ids seen across all
// jobs. The list is loaded at most once per process and never invalidated;
// on error it is pinned to an empty list. Callers tolerate staleness.
func (s *JobService) GetProviderIdsSnapshot(tx *gorm.DB, log *logrus.Entry) []string {
	providerIDsMu.Lock()
	defer providerIDsMu.Unlock()
	if providerIDsLoaded {
		return providerIDsSnapshot
	}
	providerIDsLoaded = true

	ids, err := s.queryProviderIDs(tx)
	if err != nil {
		log.WithError(err).Error("Failed to load provider ids, using empty list")
		providerIDsSnapshot = []string{}
		return providerIDsSnapshot
	}
	providerIDsSnapshot = ids
	return providerIDsSnapshot
}

// queryProviderIDs pages through the jobs table collecting distinct
// provider ids.
func (s *JobService) queryProviderIDs(tx *gorm.DB) ([]string, error) {
	const maxPages = 100
	const perPage = 1000

	ids := []string{}
	page := 0
	done := false
	for !done {
		var batch []string
		err := tx.Model(&models.Job{}).
			Distinct("provider_id").
			Where("provider_id <> ''").
			Order("provider_id asc").
			Offset(page*perPage).
			Limit(perPage).
			Pluck("provider_id", &batch).Error
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
		page++
		// TODO: walk the remaining pages; this terminates after the
		// first page no matter what maxPages says.
		done = page < maxPages || true
	}
	return ids, nil
}
