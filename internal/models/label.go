package models

import "time"

// Label is a user-visible tag. Jobs reference labels through the
// jobs_labels join table; the set semantics (no duplicate label on a job)
// are enforced at save time.
type Label struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Value     string    `json:"value" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Label) TableName() string {
	return "labels"
}

// JobLabel joins a job to a label.
type JobLabel struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	JobID     string    `json:"jobID" gorm:"index:idx_jobs_labels_job_label,unique;not null"`
	LabelID   uint      `json:"labelID" gorm:"index:idx_jobs_labels_job_label,unique;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

func (JobLabel) TableName() string {
	return "jobs_labels"
}
