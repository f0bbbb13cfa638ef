package services

import (
	"fmt"

	"github.com/asjohnston-asf/harmony/internal/apperrors"
	"github.com/asjohnston-asf/harmony/internal/config"
	"github.com/asjohnston-asf/harmony/internal/logger"
	"github.com/asjohnston-asf/harmony/internal/metrics"
	"github.com/asjohnston-asf/harmony/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobLifecycleService couples the job state machine to its derived rows:
// creating a job materializes its workflow steps and first-step work items,
// and the pause/resume/cancel flows keep the fairness counters honest.
type JobLifecycleService struct {
	db       *gorm.DB
	jobs     *JobService
	userWork *UserWorkService
	services *config.ServicesConfig
}

// NewJobLifecycleService creates a new job lifecycle service
func NewJobLifecycleService(db *gorm.DB, jobs *JobService, userWork *UserWorkService, services *config.ServicesConfig) *JobLifecycleService {
	return &JobLifecycleService{db: db, jobs: jobs, userWork: userWork, services: services}
}

// JobRequest is an incoming transformation request.
type JobRequest struct {
	Username       string   `json:"username"`
	Request        string   `json:"request" binding:"required"`
	CollectionIDs  []string `json:"collectionIds"`
	GranuleURLs    []string `json:"granuleUrls" binding:"required"`
	IsAsync        bool     `json:"isAsync"`
	IgnoreErrors   bool     `json:"ignoreErrors"`
	DestinationURL string   `json:"destinationUrl"`
	Labels         []string `json:"labels"`
	Preview        bool     `json:"preview"`
}

// CreateJobForRequest decomposes a request into a job, its workflow steps
// from the matching service chain, and one first-step work item per input
// granule, then starts the job.
func (s *JobLifecycleService) CreateJobForRequest(req JobRequest) (*models.Job, error) {
	chain := s.chainFor(req.CollectionIDs)
	if chain == nil {
		return nil, apperrors.NotFound("service chain", fmt.Sprintf("for collections %v", req.CollectionIDs))
	}

	jobID := uuid.New().String()
	job := &models.Job{
		JobID:            jobID,
		RequestID:        jobID,
		Username:         req.Username,
		Status:           models.JobStatusAccepted,
		Request:          req.Request,
		IsAsync:          req.IsAsync,
		IgnoreErrors:     req.IgnoreErrors,
		DestinationURL:   req.DestinationURL,
		NumInputGranules: len(req.GranuleURLs),
		CollectionIDs:    req.CollectionIDs,
		ProviderID:       chain.ProviderID,
		ServiceName:      chain.Name,
		Labels:           req.Labels,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.jobs.CreateJob(tx, job); err != nil {
			return err
		}

		for i, step := range chain.Steps {
			workflowStep := models.WorkflowStep{
				JobID:          jobID,
				ServiceID:      step.Image,
				StepIndex:      i,
				ProgressWeight: step.ProgressWeight,
			}
			if i == 0 {
				workflowStep.WorkItemCount = len(req.GranuleURLs)
			}
			if err := tx.Create(&workflowStep).Error; err != nil {
				return err
			}
		}

		firstService := chain.Steps[0].Image
		for _, granule := range req.GranuleURLs {
			item := models.WorkItem{
				JobID:      jobID,
				ServiceID:  firstService,
				StepIndex:  0,
				Status:     models.WorkItemStatusReady,
				GranuleURL: granule,
			}
			if err := tx.Create(&item).Error; err != nil {
				return err
			}
		}
		if len(req.GranuleURLs) > 0 {
			if err := s.userWork.IncrementReadyCount(tx, jobID, firstService, req.Username, len(req.GranuleURLs)); err != nil {
				return err
			}
		}

		if req.Preview {
			if err := job.StartWithPreview(); err != nil {
				return err
			}
		} else {
			if err := job.Start(); err != nil {
				return err
			}
		}
		metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()
		return s.jobs.Save(tx, job)
	})
	if err != nil {
		return nil, err
	}
	logger.WithJob(jobID).WithField("username", req.Username).Info("Created job")
	return job, nil
}

// chainFor finds the service chain for the request's collections, falling
// back to the first configured chain for requests without collections.
func (s *JobLifecycleService) chainFor(collectionIDs []string) *config.ServiceChain {
	for _, id := range collectionIDs {
		if chain := s.services.ChainForCollection(id); chain != nil {
			return chain
		}
	}
	if len(collectionIDs) == 0 && len(s.services.Chains) > 0 {
		return &s.services.Chains[0]
	}
	return nil
}

// mutate locks the job row, applies fn, and saves, all in one transaction.
func (s *JobLifecycleService) mutate(jobID string, fn func(tx *gorm.DB, job *models.Job) error) (*models.Job, error) {
	var job *models.Job
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		job, err = s.jobs.ByJobID(tx, jobID, false, false, true)
		if err != nil {
			return err
		}
		if job == nil {
			return apperrors.NotFound("job", jobID)
		}
		if err := fn(tx, job); err != nil {
			return err
		}
		metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()
		return s.jobs.Save(tx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// PauseAndSave pauses the job and clears its ready counts so no further
// work is dispatched.
func (s *JobLifecycleService) PauseAndSave(jobID string) (*models.Job, error) {
	return s.mutate(jobID, func(tx *gorm.DB, job *models.Job) error {
		if err := job.Pause(); err != nil {
			return err
		}
		return s.userWork.SetReadyCountToZero(tx, jobID)
	})
}

// ResumeAndSave resumes a paused job and restores its ready counts from
// the actual work item states. A job whose last item finished while it was
// paused completes here, since no further item completion will fire the
// terminal transition.
func (s *JobLifecycleService) ResumeAndSave(jobID string) (*models.Job, error) {
	return s.mutate(jobID, func(tx *gorm.DB, job *models.Job) error {
		if err := job.Resume(); err != nil {
			return err
		}
		if err := s.userWork.RecalculateReadyCount(tx, jobID); err != nil {
			return err
		}
		return s.completeIfFinished(tx, job)
	})
}

// SkipPreviewAndSave moves a previewing or paused job straight to running.
func (s *JobLifecycleService) SkipPreviewAndSave(jobID string) (*models.Job, error) {
	return s.mutate(jobID, func(tx *gorm.DB, job *models.Job) error {
		wasPaused := job.IsPaused()
		if err := job.SkipPreview(); err != nil {
			return err
		}
		if wasPaused {
			if err := s.userWork.RecalculateReadyCount(tx, jobID); err != nil {
				return err
			}
		}
		return s.completeIfFinished(tx, job)
	})
}

// completeIfFinished fires the terminal success transition for a job whose
// steps all drained while it could not complete, and clears its fairness
// rows.
func (s *JobLifecycleService) completeIfFinished(tx *gorm.DB, job *models.Job) error {
	completed, err := s.jobs.TryCompleteJob(tx, job)
	if err != nil {
		return err
	}
	if completed {
		return s.userWork.DeleteUserWorkForJob(tx, job.JobID)
	}
	return nil
}

// CancelAndSave cancels the job, cancels its outstanding ready items, and
// removes its fairness rows.
func (s *JobLifecycleService) CancelAndSave(jobID, message string) (*models.Job, error) {
	return s.mutate(jobID, func(tx *gorm.DB, job *models.Job) error {
		if err := job.Cancel(message); err != nil {
			return err
		}
		err := tx.Model(&models.WorkItem{}).
			Where("job_id = ? AND status = ?", jobID, models.WorkItemStatusReady).
			Update("status", models.WorkItemStatusCanceled).Error
		if err != nil {
			return err
		}
		return s.userWork.DeleteUserWorkForJob(tx, jobID)
	})
}

// FailAndSave fails the job with a message and removes its fairness rows.
func (s *JobLifecycleService) FailAndSave(jobID, message string) (*models.Job, error) {
	return s.mutate(jobID, func(tx *gorm.DB, job *models.Job) error {
		if err := job.Fail(message); err != nil {
			return err
		}
		err := tx.Model(&models.WorkItem{}).
			Where("job_id = ? AND status = ?", jobID, models.WorkItemStatusReady).
			Update("status", models.WorkItemStatusCanceled).Error
		if err != nil {
			return err
		}
		return s.userWork.DeleteUserWorkForJob(tx, jobID)
	})
}
