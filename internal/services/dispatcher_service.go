package services

import (
	"errors"
	"fmt"

	"github.com/asjohnston-asf/harmony/internal/logger"
	"github.com/asjohnston-asf/harmony/internal/metrics"
	"github.com/asjohnston-asf/harmony/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DispatcherService selects the next work item for a service worker and
// processes completion callbacks. Selection is stateless: fairness lives
// entirely in the user_work counters, so any number of dispatchers can run
// concurrently against the same store.
type DispatcherService struct {
	db       *gorm.DB
	jobs     *JobService
	userWork *UserWorkService
}

// NewDispatcherService creates a new dispatcher service
func NewDispatcherService(db *gorm.DB, jobs *JobService, userWork *UserWorkService) *DispatcherService {
	return &DispatcherService{db: db, jobs: jobs, userWork: userWork}
}

// NextWorkItem hands out the next work item for a service: the least-loaded
// user wins, the user's longest-waiting job wins, and one of that job's
// ready items is claimed under a row lock. Returns nil when no work is
// ready.
func (d *DispatcherService) NextWorkItem(serviceID string) (*models.WorkItem, error) {
	var claimed *models.WorkItem
	err := d.db.Transaction(func(tx *gorm.DB) error {
		username, err := d.userWork.GetNextUsernameForWork(tx, serviceID)
		if err != nil {
			return err
		}
		if username == "" {
			return nil
		}
		jobID, err := d.userWork.GetNextJobIdForUsernameAndService(tx, serviceID, username)
		if err != nil {
			return err
		}
		if jobID == "" {
			return nil
		}

		// The job row lock serializes claims against racing mutators;
		// a job that went terminal since the counters were read is
		// abandoned.
		job, err := d.jobs.ByJobID(tx, jobID, false, false, true)
		if err != nil {
			return err
		}
		if job == nil || job.HasTerminalStatus() || job.IsPaused() {
			return nil
		}

		var item models.WorkItem
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ? AND service_id = ? AND status = ?", jobID, serviceID, models.WorkItemStatusReady).
			Order("id asc").
			First(&item).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		err = tx.Model(&models.WorkItem{}).
			Where("id = ?", item.ID).
			Update("status", models.WorkItemStatusRunning).Error
		if err != nil {
			return err
		}
		if err := d.userWork.IncrementRunningAndDecrementReady(tx, jobID, serviceID); err != nil {
			return err
		}

		item.Status = models.WorkItemStatusRunning
		claimed = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		metrics.WorkItemsDispatched.WithLabelValues(serviceID).Inc()
		logger.WithService(serviceID).WithField("work_item_id", claimed.ID).Debug("Dispatched work item")
	}
	return claimed, nil
}

// CompleteWorkItem processes a worker's completion report for an item.
// Completion is idempotent: a second report for an already-terminal item is
// ignored. On success the next step's item is materialized, progress rolls
// up, and the job transitions when its last item finishes. On failure the
// job either fails or keeps running with errors, depending on its
// ignoreErrors setting.
func (d *DispatcherService) CompleteWorkItem(itemID uint, status models.WorkItemStatus, resultURL, message string) error {
	if status != models.WorkItemStatusSuccessful && status != models.WorkItemStatusFailed {
		return fmt.Errorf("work item completion status must be successful or failed, got %s", status)
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		var item models.WorkItem
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", itemID).
			First(&item).Error
		if err != nil {
			return err
		}
		if item.Status != models.WorkItemStatusRunning {
			return nil
		}

		err = tx.Model(&models.WorkItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":     status,
				"result_url": resultURL,
				"message":    message,
			}).Error
		if err != nil {
			return err
		}
		if err := d.userWork.DecrementRunningCount(tx, item.JobID, item.ServiceID); err != nil {
			return err
		}
		metrics.WorkItemsCompleted.WithLabelValues(item.ServiceID, string(status)).Inc()

		job, err := d.jobs.ByJobID(tx, item.JobID, false, false, true)
		if err != nil {
			return err
		}
		if job == nil || job.HasTerminalStatus() {
			return nil
		}

		if status == models.WorkItemStatusFailed {
			return d.handleItemFailure(tx, job, &item, message)
		}
		return d.handleItemSuccess(tx, job, &item, resultURL)
	})
}

// handleItemSuccess advances the workflow: bump the step's completed count,
// seed the next step, roll progress up, and finish the job when its final
// step drains.
func (d *DispatcherService) handleItemSuccess(tx *gorm.DB, job *models.Job, item *models.WorkItem, resultURL string) error {
	err := tx.Model(&models.WorkflowStep{}).
		Where("job_id = ? AND step_index = ?", item.JobID, item.StepIndex).
		Update("completed_work_item_count", gorm.Expr("completed_work_item_count + 1")).Error
	if err != nil {
		return err
	}

	var nextStep models.WorkflowStep
	err = tx.Where("job_id = ? AND step_index = ?", item.JobID, item.StepIndex+1).First(&nextStep).Error
	switch {
	case err == nil:
		next := models.WorkItem{
			JobID:      item.JobID,
			ServiceID:  nextStep.ServiceID,
			StepIndex:  nextStep.StepIndex,
			Status:     models.WorkItemStatusReady,
			GranuleURL: resultURL,
		}
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		err = tx.Model(&models.WorkflowStep{}).
			Where("id = ?", nextStep.ID).
			Update("work_item_count", gorm.Expr("work_item_count + 1")).Error
		if err != nil {
			return err
		}
		if err := d.userWork.IncrementReadyCount(tx, item.JobID, nextStep.ServiceID, job.Username, 1); err != nil {
			return err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Final step: the item's result is a job output.
		if resultURL != "" {
			job.AddLink(models.JobLink{Href: resultURL, Rel: "data", Type: "application/octet-stream"})
		}
	default:
		return err
	}

	if err := d.jobs.UpdateProgress(tx, job); err != nil {
		return err
	}

	completed, err := d.jobs.TryCompleteJob(tx, job)
	if err != nil {
		return err
	}
	if completed {
		if err := d.userWork.DeleteUserWorkForJob(tx, job.JobID); err != nil {
			return err
		}
	}
	return d.jobs.Save(tx, job)
}

// handleItemFailure records the error and either keeps the job limping
// along (ignoreErrors) or fails it and cancels its outstanding work.
func (d *DispatcherService) handleItemFailure(tx *gorm.DB, job *models.Job, item *models.WorkItem, message string) error {
	if message == "" {
		message = fmt.Sprintf("Work item %d failed with an unknown error", item.ID)
	}
	if err := d.jobs.RecordError(tx, job.JobID, item.GranuleURL, message); err != nil {
		return err
	}

	if job.IgnoreErrors {
		// A failed item still counts toward the step so the chain can
		// drain; the job carries the errors instead of dying on them.
		err := tx.Model(&models.WorkflowStep{}).
			Where("job_id = ? AND step_index = ?", item.JobID, item.StepIndex).
			Update("completed_work_item_count", gorm.Expr("completed_work_item_count + 1")).Error
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusRunning {
			job.UpdateStatus(models.JobStatusRunningWithErrors, "")
			metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()
		}
		if err := d.jobs.UpdateProgress(tx, job); err != nil {
			return err
		}
		completed, err := d.jobs.TryCompleteJob(tx, job)
		if err != nil {
			return err
		}
		if completed {
			if err := d.userWork.DeleteUserWorkForJob(tx, job.JobID); err != nil {
				return err
			}
		}
		return d.jobs.Save(tx, job)
	}

	if err := job.Fail(message); err != nil {
		return err
	}
	metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()

	err := tx.Model(&models.WorkItem{}).
		Where("job_id = ? AND status = ?", job.JobID, models.WorkItemStatusReady).
		Update("status", models.WorkItemStatusCanceled).Error
	if err != nil {
		return err
	}
	if err := d.userWork.DeleteUserWorkForJob(tx, job.JobID); err != nil {
		return err
	}
	return d.jobs.Save(tx, job)
}

// GetQueuedAndRunningCountForService reports total outstanding work for a
// service, used by worker pools for scaling decisions.
func (d *DispatcherService) GetQueuedAndRunningCountForService(serviceID string) (int, error) {
	return d.userWork.GetQueuedAndRunningCountForService(d.db, serviceID)
}
