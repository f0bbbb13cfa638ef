package models

import (
	"time"
)

// JobLink is one output link attached to a job. Links are append-only:
// once a row exists it is never updated or removed by a save.
type JobLink struct {
	ID    uint   `json:"id" gorm:"primaryKey"`
	JobID string `json:"jobID" gorm:"index;not null"`
	Href  string `json:"href" gorm:"type:text;not null"`
	Title string `json:"title"`
	Type  string `json:"type"`
	Rel   string `json:"rel"`
	// BBox is a serialized spatial extent ("west,south,east,north").
	BBox          string     `json:"bbox,omitempty"`
	TemporalStart *time.Time `json:"temporalStart,omitempty"`
	TemporalEnd   *time.Time `json:"temporalEnd,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (JobLink) TableName() string {
	return "job_links"
}

// JobLinkOutput is the outward form of a link with empty fields dropped.
type JobLinkOutput struct {
	Href          string     `json:"href"`
	Title         string     `json:"title,omitempty"`
	Type          string     `json:"type,omitempty"`
	Rel           string     `json:"rel,omitempty"`
	BBox          string     `json:"bbox,omitempty"`
	TemporalStart *time.Time `json:"temporalStart,omitempty"`
	TemporalEnd   *time.Time `json:"temporalEnd,omitempty"`
}
