package models

import "time"

// JobError records one failure encountered while working a job. Error rows
// are append-only and sit outside the status transition machine; a job in
// running_with_errors accumulates these while it keeps processing.
type JobError struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	JobID     string    `json:"jobID" gorm:"index;not null"`
	URL       string    `json:"url" gorm:"type:text"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	Level     string    `json:"level" gorm:"default:'error'"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (JobError) TableName() string {
	return "job_errors"
}
