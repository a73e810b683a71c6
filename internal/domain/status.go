package domain

import (
	"encoding/json"
	"time"
)

// Status is the externally visible progress of a job attempt.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StatusRecord is one row of the Status Store, keyed by job id and owned by
// the worker holding the job's current attempt.
type StatusRecord struct {
	JobID       string          `json:"job_id"`
	BotID       string          `json:"bot_id,omitempty"`
	Type        Type            `json:"type"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Attempt     int             `json:"attempt"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the record reached completed or failed.
func (r StatusRecord) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}
