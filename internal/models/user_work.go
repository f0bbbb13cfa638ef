package models

import "time"

// UserWork is the per-(job, service) fairness row: counts of ready and
// running work items plus the last time a dispatcher handed out work for
// the pair. For every (job, service), ready_count + running_count equals
// the number of work items currently in ready or running.
type UserWork struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	JobID        string    `json:"jobID" gorm:"column:job_id;index:idx_user_work_job_service,unique;not null"`
	ServiceID    string    `json:"serviceID" gorm:"column:service_id;index:idx_user_work_job_service,unique;not null"`
	Username     string    `json:"username" gorm:"index;not null"`
	ReadyCount   int       `json:"readyCount" gorm:"column:ready_count;default:0"`
	RunningCount int       `json:"runningCount" gorm:"column:running_count;default:0"`
	LastWorked   time.Time `json:"lastWorked" gorm:"column:last_worked"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (UserWork) TableName() string {
	return "user_work"
}
