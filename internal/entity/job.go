package entity

import "time"

type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is one end-to-end conversion request. Result locators are set only
// when the job reaches done; CurrentStage is observational and may change
// freely while the job is processing.
type Job struct {
	ID           string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	CurrentStage string    `json:"current_stage,omitempty"`
	SceneURL     string    `json:"scene_url,omitempty"`
	VideoURL     string    `json:"video_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
