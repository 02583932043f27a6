package model

import (
	"encoding/json"
	"time"
)

// JobType identifies the kind of generation a job runs
type JobType string

const (
	JobTypeContentGeneration JobType = "CONTENT_GENERATION"
	JobTypeImageGeneration   JobType = "IMAGE_GENERATION"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	return t == JobTypeContentGeneration || t == JobTypeImageGeneration
}

// JobStatus is a state of the job state machine
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusExpired    JobStatus = "EXPIRED"
)

// ActiveStatuses count against the per-owner quota
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusInProgress}

// IsTerminal reports whether no further transitions are allowed from s
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusExpired:
		return true
	}
	return false
}

// Job is the persisted record of one asynchronous generation
type Job struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner"`
	Type          JobType         `json:"type"`
	Status        JobStatus       `json:"status"`
	Progress      int             `json:"progress"`
	CurrentStep   string          `json:"currentStep"`
	TotalSteps    *int            `json:"totalSteps,omitempty"`
	ResultPayload json.RawMessage `json:"resultPayload"`
	ErrorMessage  *string         `json:"errorMessage"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	Version       int64           `json:"version"`
}

// Clone returns a deep copy so stores never share mutable state with callers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.TotalSteps != nil {
		v := *j.TotalSteps
		c.TotalSteps = &v
	}
	if j.ResultPayload != nil {
		c.ResultPayload = append(json.RawMessage(nil), j.ResultPayload...)
	}
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		c.ErrorMessage = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// JobResponse is the client-facing view of a job
type JobResponse struct {
	ID            string          `json:"id"`
	Owner         string          `json:"owner"`
	Type          JobType         `json:"type"`
	Status        JobStatus       `json:"status"`
	Progress      int             `json:"progress"`
	CurrentStep   string          `json:"currentStep"`
	TotalSteps    *int            `json:"totalSteps,omitempty"`
	ResultPayload json.RawMessage `json:"resultPayload"`
	ErrorMessage  *string         `json:"errorMessage"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}

// NewJobResponse builds the response view of j
func NewJobResponse(j *Job) *JobResponse {
	resp := &JobResponse{
		ID:           j.ID,
		Owner:        j.OwnerID,
		Type:         j.Type,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentStep:  j.CurrentStep,
		TotalSteps:   j.TotalSteps,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		ExpiresAt:    j.ExpiresAt,
	}
	if j.Status == JobStatusCompleted && len(j.ResultPayload) > 0 {
		resp.ResultPayload = j.ResultPayload
	} else {
		resp.ResultPayload = json.RawMessage("null")
	}
	return resp
}

// JobAcceptedResponse is returned when a generation job is queued
type JobAcceptedResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// JobCancelResponse is returned after a successful cancellation
type JobCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// GenerationTaskPayload is the queued task body for a generation job
type GenerationTaskPayload struct {
	JobID   string          `json:"jobId"`
	OwnerID string          `json:"ownerId"`
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
