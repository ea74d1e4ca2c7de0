package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the client-side lifecycle of an attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptFlushing   AttemptStatus = "flushing"
	AttemptSubmitting AttemptStatus = "submitting"
	AttemptSubmitted  AttemptStatus = "submitted"
)

// AttemptContext identifies the in-progress exam instance on the client.
type AttemptContext struct {
	AttemptID    uuid.UUID     `json:"attempt_id"`
	AssessmentID uuid.UUID     `json:"assessment_id"`
	StudentID    int           `json:"student_id"`
	Deadline     time.Time     `json:"deadline"`
	Status       AttemptStatus `json:"status"`
}

// Attempt is the server-of-record row for one attempt.
type Attempt struct {
	ID              uuid.UUID     `json:"id"`
	AssessmentID    uuid.UUID     `json:"assessment_id"`
	StudentID       int           `json:"student_id"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds int           `json:"duration_seconds"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	Status          AttemptStatus `json:"status"`
	AnswersAccepted int           `json:"answers_accepted"`
}

// Result returns the stored submit result of a submitted attempt.
func (a *Attempt) Result() *SubmitResult {
	if a.SubmittedAt == nil {
		return nil
	}
	return &SubmitResult{
		AttemptID:       a.ID,
		Status:          AttemptSubmitted,
		SubmittedAt:     *a.SubmittedAt,
		AnswersAccepted: a.AnswersAccepted,
	}
}

// Deadline returns the instant the attempt runs out of time.
func (a *Attempt) Deadline() time.Time {
	return a.StartedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// DeviceInfo describes the client that submitted the attempt.
type DeviceInfo struct {
	UserAgent string `json:"user_agent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// SubmitRequest is the payload of the terminal submit call. Answers is the full
// local snapshot; Confirmed lists the questions the client saw acknowledged by
// save-answer, so the server can reconcile any dropped write.
type SubmitRequest struct {
	DeviceInfo DeviceInfo        `json:"device_info"`
	Answers    []SubmittedAnswer `json:"answers" binding:"dive"`
	TimeSpent  map[string]int64  `json:"time_spent"`
	Confirmed  []uuid.UUID       `json:"confirmed,omitempty"`
	Trigger    string            `json:"trigger,omitempty"`
}

// SubmitResult is returned by the submit endpoint.
type SubmitResult struct {
	AttemptID       uuid.UUID     `json:"attempt_id"`
	Status          AttemptStatus `json:"status"`
	SubmittedAt     time.Time     `json:"submitted_at"`
	AnswersAccepted int           `json:"answers_accepted"`
}

// RemainingTimeResponse is returned by the remaining-time endpoint.
type RemainingTimeResponse struct {
	RemainingSeconds float64 `json:"remaining_seconds"`
}
