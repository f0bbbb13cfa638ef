package services

import (
	"sync/atomic"
	"time"

	"github.com/asjohnston-asf/harmony/internal/config"
	"github.com/asjohnston-asf/harmony/internal/logger"
	"github.com/asjohnston-asf/harmony/internal/metrics"
	"github.com/asjohnston-asf/harmony/internal/models"
	"gorm.io/gorm"
)

// reapableStatuses are the terminal statuses whose derived rows the reaper
// removes once the job has been idle long enough.
var reapableStatuses = []models.JobStatus{
	models.JobStatusFailed,
	models.JobStatusSuccessful,
	models.JobStatusCanceled,
}

// IsReapable reports whether a job in status, last updated at updatedAt,
// is old enough to have its derived rows removed.
func IsReapable(status models.JobStatus, updatedAt, threshold time.Time) bool {
	for _, s := range reapableStatuses {
		if s == status {
			return updatedAt.Before(threshold)
		}
	}
	return false
}

// ReaperService periodically deletes work items and workflow steps
// belonging to long-idle terminal jobs. Each delete runs in its own short
// transaction; errors are logged and swallowed so the loop keeps going.
type ReaperService struct {
	db        *gorm.DB
	userWork  *UserWorkService
	cfg       config.ReaperConfig
	isRunning atomic.Bool
}

// NewReaperService creates a new reaper service
func NewReaperService(db *gorm.DB, userWork *UserWorkService, cfg config.ReaperConfig) *ReaperService {
	return &ReaperService{db: db, userWork: userWork, cfg: cfg}
}

// Start runs the reaper loop until Stop is called. The current pass always
// completes before the loop exits.
func (r *ReaperService) Start() {
	r.isRunning.Store(true)
	logger.WithReaper().WithField("period_sec", r.cfg.PeriodSec).Info("Work reaper started")
	for r.isRunning.Load() {
		r.reapOnce()
		time.Sleep(time.Duration(r.cfg.PeriodSec) * time.Second)
	}
	logger.WithReaper().Info("Work reaper stopped")
}

// Stop signals the loop to exit after its current iteration.
func (r *ReaperService) Stop() {
	r.isRunning.Store(false)
}

// reapOnce performs a single cleanup pass.
func (r *ReaperService) reapOnce() {
	log := logger.WithReaper()
	threshold := time.Now().Add(-time.Duration(r.cfg.ReapableWorkAgeMinutes) * time.Minute)

	itemCount, err := r.reapWorkItems(threshold)
	if err != nil {
		log.WithError(err).Error("Failed to reap work items")
	} else if itemCount > 0 {
		metrics.ReapedRows.WithLabelValues("work_items").Add(float64(itemCount))
	}

	stepCount, err := r.reapWorkflowSteps(threshold)
	if err != nil {
		log.WithError(err).Error("Failed to reap workflow steps")
	} else if stepCount > 0 {
		metrics.ReapedRows.WithLabelValues("workflow_steps").Add(float64(stepCount))
	}

	// Fairness rows come out last so the counter invariant holds while
	// derived items still exist.
	var orphanCount int64
	err = r.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		orphanCount, txErr = r.userWork.DeleteOrphanedRows(tx)
		return txErr
	})
	if err != nil {
		log.WithError(err).Error("Failed to delete orphaned user work rows")
	} else if orphanCount > 0 {
		metrics.ReapedRows.WithLabelValues("user_work").Add(float64(orphanCount))
	}

	log.WithFields(map[string]interface{}{
		"work_items":     itemCount,
		"workflow_steps": stepCount,
		"user_work":      orphanCount,
	}).Info("Reaper pass complete")
}

// reapWorkItems deletes, in one pass, every work item whose parent job is
// terminal and idle past the threshold.
func (r *ReaperService) reapWorkItems(threshold time.Time) (int64, error) {
	var count int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where(
			"job_id IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&models.Job{}).
				Select("job_id").
				Where("status IN ? AND updated_at < ?", reapableStatuses, threshold),
		).Delete(&models.WorkItem{})
		count = result.RowsAffected
		return result.Error
	})
	return count, err
}

// reapWorkflowSteps deletes, in one pass, every workflow step whose parent
// job is terminal and idle past the threshold.
func (r *ReaperService) reapWorkflowSteps(threshold time.Time) (int64, error) {
	var count int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where(
			"job_id IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&models.Job{}).
				Select("job_id").
				Where("status IN ? AND updated_at < ?", reapableStatuses, threshold),
		).Delete(&models.WorkflowStep{})
		count = result.RowsAffected
		return result.Error
	})
	return count, err
}
