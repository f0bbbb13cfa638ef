package services

import (
	"database/sql"
	"time"

	"github.com/asjohnston-asf/harmony/internal/models"
	"gorm.io/gorm"
)

// UserWorkService maintains the per-(job, service) fairness counters and
// answers the dispatcher's selection queries. All operations run in the
// caller's transaction; counter changes are arithmetic updates so the
// store's row-level concurrency control prevents lost updates.
type UserWorkService struct {
	db *gorm.DB
}

// NewUserWorkService creates a new user work service
func NewUserWorkService(db *gorm.DB) *UserWorkService {
	return &UserWorkService{db: db}
}

// IncrementReadyCount adds n ready work items to the (job, service) row,
// creating the row if it does not exist yet.
func (s *UserWorkService) IncrementReadyCount(tx *gorm.DB, jobID, serviceID, username string, n int) error {
	result := tx.Model(&models.UserWork{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Update("ready_count", gorm.Expr("ready_count + ?", n))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	row := models.UserWork{
		JobID:      jobID,
		ServiceID:  serviceID,
		Username:   username,
		ReadyCount: n,
		LastWorked: time.Now(),
	}
	return tx.Create(&row).Error
}

// IncrementRunningAndDecrementReady records that a ready item was handed
// out, and stamps last_worked for the fairness ordering.
func (s *UserWorkService) IncrementRunningAndDecrementReady(tx *gorm.DB, jobID, serviceID string) error {
	return tx.Model(&models.UserWork{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Updates(map[string]interface{}{
			"running_count": gorm.Expr("running_count + 1"),
			"ready_count":   gorm.Expr("ready_count - 1"),
			"last_worked":   time.Now(),
		}).Error
}

// IncrementReadyAndDecrementRunning returns a running item to the ready
// pool, as when a worker gives up an item for retry.
func (s *UserWorkService) IncrementReadyAndDecrementRunning(tx *gorm.DB, jobID, serviceID string) error {
	return tx.Model(&models.UserWork{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Updates(map[string]interface{}{
			"ready_count":   gorm.Expr("ready_count + 1"),
			"running_count": gorm.Expr("running_count - 1"),
		}).Error
}

// DecrementRunningCount records that a running item finished.
func (s *UserWorkService) DecrementRunningCount(tx *gorm.DB, jobID, serviceID string) error {
	return tx.Model(&models.UserWork{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Update("running_count", gorm.Expr("running_count - 1")).Error
}

// SetReadyCountToZero clears ready counts across all services for a job;
// invoked on pause so no further work is dispatched.
func (s *UserWorkService) SetReadyCountToZero(tx *gorm.DB, jobID string) error {
	return tx.Model(&models.UserWork{}).
		Where("job_id = ?", jobID).
		Update("ready_count", 0).Error
}

// DeleteUserWorkForJob removes all fairness rows for a job.
func (s *UserWorkService) DeleteUserWorkForJob(tx *gorm.DB, jobID string) error {
	return tx.Where("job_id = ?", jobID).Delete(&models.UserWork{}).Error
}

// DeleteUserWorkForJobAndService removes the fairness row for one pair.
func (s *UserWorkService) DeleteUserWorkForJobAndService(tx *gorm.DB, jobID, serviceID string) error {
	return tx.Where("job_id = ? AND service_id = ?", jobID, serviceID).Delete(&models.UserWork{}).Error
}

// DeleteOrphanedRows removes rows where both counters are zero.
func (s *UserWorkService) DeleteOrphanedRows(tx *gorm.DB) (int64, error) {
	result := tx.Where("ready_count = 0 AND running_count = 0").Delete(&models.UserWork{})
	return result.RowsAffected, result.Error
}

// GetQueuedAndRunningCountForService returns the total outstanding work
// for a service across all users and jobs.
func (s *UserWorkService) GetQueuedAndRunningCountForService(tx *gorm.DB, serviceID string) (int, error) {
	var total sql.NullInt64
	err := tx.Model(&models.UserWork{}).
		Select("SUM(ready_count) + SUM(running_count)").
		Where("service_id = ?", serviceID).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return int(total.Int64), nil
}

// RecalculateReadyCount resets every service row of a job to the actual
// count of ready work items; used after partial-failure recovery and on
// resume.
func (s *UserWorkService) RecalculateReadyCount(tx *gorm.DB, jobID string) error {
	var rows []models.UserWork
	if err := tx.Where("job_id = ?", jobID).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		var count int64
		err := tx.Model(&models.WorkItem{}).
			Where("job_id = ? AND service_id = ? AND status = ?", jobID, row.ServiceID, models.WorkItemStatusReady).
			Count(&count).Error
		if err != nil {
			return err
		}
		err = tx.Model(&models.UserWork{}).
			Where("id = ?", row.ID).
			Update("ready_count", count).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// PopulateFromWorkItems rebuilds the entire fairness table from the work
// items table, skipping jobs that are paused or previewing. Used to
// bootstrap after the table is lost or corrupted.
func (s *UserWorkService) PopulateFromWorkItems(tx *gorm.DB) error {
	if err := tx.Where("1 = 1").Delete(&models.UserWork{}).Error; err != nil {
		return err
	}
	return tx.Exec(`
		INSERT INTO user_work (job_id, service_id, username, ready_count, running_count, last_worked, created_at, updated_at)
		SELECT w.job_id,
		       w.service_id,
		       j.username,
		       SUM(CASE WHEN w.status = 'ready' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN w.status = 'running' THEN 1 ELSE 0 END),
		       j.updated_at,
		       NOW(),
		       NOW()
		FROM work_items w
		JOIN jobs j ON j.job_id = w.job_id
		WHERE w.status IN ('ready', 'running')
		  AND j.status NOT IN ('paused', 'previewing')
		GROUP BY w.job_id, w.service_id, j.username, j.updated_at`).Error
}

// userCandidate is one username's aggregate standing for a service.
type userCandidate struct {
	Username      string
	SumRunning    int
	MaxLastWorked time.Time
}

// selectNextUser picks the least-loaded username, breaking ties in favor
// of the one that has waited longest since last being worked.
func selectNextUser(candidates []userCandidate) string {
	best := -1
	for i, c := range candidates {
		if best == -1 {
			best = i
			continue
		}
		if c.SumRunning < candidates[best].SumRunning ||
			(c.SumRunning == candidates[best].SumRunning && c.MaxLastWorked.Before(candidates[best].MaxLastWorked)) {
			best = i
		}
	}
	if best == -1 {
		return ""
	}
	return candidates[best].Username
}

// selectNextJob picks the job touched longest ago among rows with ready
// work.
func selectNextJob(rows []models.UserWork) string {
	best := -1
	for i, row := range rows {
		if row.ReadyCount <= 0 {
			continue
		}
		if best == -1 || row.LastWorked.Before(rows[best].LastWorked) {
			best = i
		}
	}
	if best == -1 {
		return ""
	}
	return rows[best].JobID
}

// GetNextUsernameForWork returns the username that should receive the next
// work item for a service, or "" when no user has ready work. Only users
// with at least one ready item are considered.
func (s *UserWorkService) GetNextUsernameForWork(tx *gorm.DB, serviceID string) (string, error) {
	var candidates []userCandidate
	err := tx.Model(&models.UserWork{}).
		Select("username, SUM(running_count) AS sum_running, MAX(last_worked) AS max_last_worked").
		Where("service_id = ?", serviceID).
		Group("username").
		Having("SUM(ready_count) > 0").
		Scan(&candidates).Error
	if err != nil {
		return "", err
	}
	return selectNextUser(candidates), nil
}

// GetNextJobIdForUsernameAndService returns the user's job that has waited
// longest for the service, or "" when none has ready work.
func (s *UserWorkService) GetNextJobIdForUsernameAndService(tx *gorm.DB, serviceID, username string) (string, error) {
	var rows []models.UserWork
	err := tx.Where("service_id = ? AND username = ? AND ready_count > 0", serviceID, username).
		Find(&rows).Error
	if err != nil {
		return "", err
	}
	return selectNextJob(rows), nil
}
