package models

import "time"

// WorkflowStep is the per-service aggregate for one link in a job's service
// chain: how many work items the step expects, how many have completed, and
// the weight its progress carries in the job-level rollup.
type WorkflowStep struct {
	ID                     uint    `json:"id" gorm:"primaryKey"`
	JobID                  string  `json:"jobID" gorm:"index:idx_workflow_steps_job_step,unique;not null"`
	ServiceID              string  `json:"serviceID" gorm:"not null"`
	StepIndex              int     `json:"stepIndex" gorm:"index:idx_workflow_steps_job_step,unique;not null"`
	WorkItemCount          int     `json:"workItemCount" gorm:"default:0"`
	CompletedWorkItemCount int     `json:"completedWorkItemCount" gorm:"column:completed_work_item_count;default:0"`
	ProgressWeight         float64 `json:"progressWeight" gorm:"column:progress_weight;default:1"`
	// Progress is the step's completion ratio in [0, 1], derived by
	// UpdateProgress rather than written directly.
	Progress  float64   `json:"progress" gorm:"default:0"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (WorkflowStep) TableName() string {
	return "workflow_steps"
}

// UpdateProgress recomputes the step's completion ratio from its counts.
// Items flow through the chain in step order, so a step is never further
// along than the step feeding it; prev is nil for the first step.
func (s *WorkflowStep) UpdateProgress(prev *WorkflowStep) float64 {
	count := s.WorkItemCount
	if count < 1 {
		count = 1
	}
	ratio := float64(s.CompletedWorkItemCount) / float64(count)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	if prev != nil && ratio > prev.Progress {
		ratio = prev.Progress
	}
	s.Progress = ratio
	return ratio
}

// RollUpProgress folds a job's steps, in order, into the single job-level
// percentage: the weighted mean of the step ratios, floored, and capped at
// 99 so that only a terminal success can show 100.
func RollUpProgress(steps []WorkflowStep) int {
	var weighted, total float64
	var prev *WorkflowStep
	for i := range steps {
		steps[i].UpdateProgress(prev)
		weighted += steps[i].ProgressWeight * steps[i].Progress
		total += steps[i].ProgressWeight
		prev = &steps[i]
	}
	if total < 1 {
		total = 1
	}
	candidate := int(weighted / total)
	if candidate < 0 {
		candidate = 0
	}
	if candidate > 99 {
		candidate = 99
	}
	return candidate
}
