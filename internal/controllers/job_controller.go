package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/asjohnston-asf/harmony/internal/apperrors"
	"github.com/asjohnston-asf/harmony/internal/middleware"
	"github.com/asjohnston-asf/harmony/internal/models"
	"github.com/asjohnston-asf/harmony/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// JobController exposes job creation, listing, and lifecycle mutations.
type JobController struct {
	db        *gorm.DB
	jobs      *services.JobService
	lifecycle *services.JobLifecycleService
	urlRoot   string
}

func NewJobController(db *gorm.DB, jobs *services.JobService, lifecycle *services.JobLifecycleService, urlRoot string) *JobController {
	return &JobController{db: db, jobs: jobs, lifecycle: lifecycle, urlRoot: urlRoot}
}

func requestUsername(c *gin.Context) string {
	if username, exists := c.Get("username"); exists {
		if name, ok := username.(string); ok {
			return name
		}
	}
	return ""
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
}

// CreateJob accepts a transformation request and returns the new job.
func (jc *JobController) CreateJob(c *gin.Context) {
	var req services.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Username = requestUsername(c)

	job, err := jc.lifecycle.CreateJobForRequest(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job.ToOutput(jc.urlRoot))
}

// GetJobs lists the caller's jobs; admins may list any user's jobs with
// optional status filters.
func (jc *JobController) GetJobs(c *gin.Context) {
	currentPage, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("perPage", "10"))

	query := services.JobQuery{}
	if !middleware.IsAdmin(c) {
		query.Where = map[string]interface{}{"username": requestUsername(c)}
	} else if username := c.Query("username"); username != "" {
		query.Where = map[string]interface{}{"username": username}
	}
	if statuses := c.QueryArray("status"); len(statuses) > 0 {
		query.WhereIn = map[string][]string{"status": statuses}
	}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			query.From = &t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			query.To = &t
		}
	}

	jobs, pagination, err := jc.jobs.QueryAll(jc.db, query, currentPage, perPage, true)
	if err != nil {
		respondError(c, err)
		return
	}

	outputs := make([]models.JobOutput, 0, len(jobs))
	for i := range jobs {
		outputs = append(outputs, jobs[i].ToOutput(jc.urlRoot))
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":       outputs,
		"pagination": pagination,
	})
}

// GetJob returns one job with its links and labels.
func (jc *JobController) GetJob(c *gin.Context) {
	job, ok := jc.loadAuthorized(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job.ToOutput(jc.urlRoot))
}

// GetJobErrors returns the job's recorded errors.
func (jc *JobController) GetJobErrors(c *gin.Context) {
	job, ok := jc.loadAuthorized(c)
	if !ok {
		return
	}
	jobErrors, err := jc.jobs.ErrorsForJob(jc.db, job.JobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": jobErrors})
}

// PauseJob pauses a running job.
func (jc *JobController) PauseJob(c *gin.Context) {
	jc.mutateAuthorized(c, func(jobID string) (*models.Job, error) {
		return jc.lifecycle.PauseAndSave(jobID)
	})
}

// ResumeJob resumes a paused job.
func (jc *JobController) ResumeJob(c *gin.Context) {
	jc.mutateAuthorized(c, func(jobID string) (*models.Job, error) {
		return jc.lifecycle.ResumeAndSave(jobID)
	})
}

// SkipPreview moves a previewing job straight to running.
func (jc *JobController) SkipPreview(c *gin.Context) {
	jc.mutateAuthorized(c, func(jobID string) (*models.Job, error) {
		return jc.lifecycle.SkipPreviewAndSave(jobID)
	})
}

// CancelJob cancels a job.
func (jc *JobController) CancelJob(c *gin.Context) {
	jc.mutateAuthorized(c, func(jobID string) (*models.Job, error) {
		return jc.lifecycle.CancelAndSave(jobID, "Canceled by user")
	})
}

// AddLabels adds labels to a job's label set.
func (jc *JobController) AddLabels(c *gin.Context) {
	jc.updateLabels(c, func(current, requested []string) []string {
		return append(current, requested...)
	})
}

// RemoveLabels removes labels from a job's label set; labels not on the
// job are ignored.
func (jc *JobController) RemoveLabels(c *gin.Context) {
	jc.updateLabels(c, func(current, requested []string) []string {
		drop := map[string]bool{}
		for _, value := range requested {
			drop[value] = true
		}
		kept := []string{}
		for _, value := range current {
			if !drop[value] {
				kept = append(kept, value)
			}
		}
		return kept
	})
}

// updateLabels applies a set operation to the job's labels and saves; the
// save reconciles the join rows to the resulting set.
func (jc *JobController) updateLabels(c *gin.Context, apply func(current, requested []string) []string) {
	var req struct {
		Labels []string `json:"labels" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, ok := jc.loadAuthorized(c)
	if !ok {
		return
	}
	job.Labels = apply(job.Labels, req.Labels)
	err := jc.db.Transaction(func(tx *gorm.DB) error {
		return jc.jobs.Save(tx, job)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job.ToOutput(jc.urlRoot))
}

// loadAuthorized fetches the requested job and enforces ownership.
func (jc *JobController) loadAuthorized(c *gin.Context) (*models.Job, bool) {
	jobID := c.Param("jobID")
	job, err := jc.jobs.ByJobID(jc.db, jobID, true, true, false)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if job == nil || !job.BelongsToOrIsAdmin(requestUsername(c), middleware.IsAdmin(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return nil, false
	}
	return job, true
}

// mutateAuthorized runs a lifecycle mutation after the ownership check.
func (jc *JobController) mutateAuthorized(c *gin.Context, fn func(jobID string) (*models.Job, error)) {
	job, ok := jc.loadAuthorized(c)
	if !ok {
		return
	}
	updated, err := fn(job.JobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated.ToOutput(jc.urlRoot))
}
