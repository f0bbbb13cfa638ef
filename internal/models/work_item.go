package models

import "time"

// WorkItemStatus is the lifecycle of a single unit of work.
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
)

// WorkItem is one unit of work within a job, targeted at a single service.
// Status changes on work items drive the user_work counter deltas: a ready
// item counts toward ready_count, a running item toward running_count, and
// anything else toward neither.
type WorkItem struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	JobID     string         `json:"jobID" gorm:"index;not null"`
	ServiceID string         `json:"serviceID" gorm:"index;not null"`
	StepIndex int            `json:"stepIndex" gorm:"default:0"`
	Status    WorkItemStatus `json:"status" gorm:"not null;default:'ready'"`
	// GranuleURL is the input the item operates on.
	GranuleURL string    `json:"granuleUrl" gorm:"type:text"`
	ResultURL  string    `json:"resultUrl" gorm:"type:text"`
	Message    string    `json:"message" gorm:"type:text"`
	RetryCount int       `json:"retryCount" gorm:"default:0"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (WorkItem) TableName() string {
	return "work_items"
}
