package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AnswerOrigin records which tier last supplied an answer.
type AnswerOrigin string

const (
	OriginInMemory             AnswerOrigin = "in_memory"
	OriginReconciledFromServer AnswerOrigin = "reconciled_from_server"
	OriginReplayedFromQueue    AnswerOrigin = "replayed_from_queue"
)

// AnswerRecord is the client's view of one question's answer.
// Answer is opaque and question-type specific.
type AnswerRecord struct {
	QuestionID    uuid.UUID       `json:"question_id"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	TimeSpentMs   int64           `json:"time_spent_ms"`
	LastMutatedAt time.Time       `json:"last_mutated_at"`
	Origin        AnswerOrigin    `json:"origin"`
}

// HasAnswer reports whether the learner has provided an answer payload,
// as opposed to only having spent time on the question.
func (r AnswerRecord) HasAnswer() bool {
	return len(r.Answer) > 0 && string(r.Answer) != "null"
}

// Newer reports whether a should replace b under last-writer-wins.
func Newer(a, b AnswerRecord) bool {
	return a.LastMutatedAt.After(b.LastMutatedAt)
}

// QueueEntry is one write waiting in the offline queue. MutatedAt carries the
// source record's mutation time for cross-tier merges; EnqueuedAt identifies
// the entry for compare-and-prune acknowledgment.
type QueueEntry struct {
	QuestionID  uuid.UUID       `json:"question_id"`
	Answer      json.RawMessage `json:"answer"`
	TimeSpentMs int64           `json:"time_spent_ms"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	MutatedAt   time.Time       `json:"mutated_at"`
}

// Record converts the entry back into an AnswerRecord.
func (e QueueEntry) Record() AnswerRecord {
	return AnswerRecord{
		QuestionID:    e.QuestionID,
		Answer:        e.Answer,
		TimeSpentMs:   e.TimeSpentMs,
		LastMutatedAt: e.MutatedAt,
		Origin:        OriginReplayedFromQueue,
	}
}

// SaveAnswerRequest is the save-answer payload.
type SaveAnswerRequest struct {
	QuestionID       uuid.UUID       `json:"question_id" binding:"required"`
	Answer           json.RawMessage `json:"answer" binding:"required,answer_json"`
	TimeSpentSeconds int64           `json:"time_spent_seconds" binding:"gte=0"`
}

// ServerAnswer is one answer as held by the server of record.
type ServerAnswer struct {
	QuestionID       uuid.UUID       `json:"question_id"`
	Answer           json.RawMessage `json:"answer"`
	TimeSpentSeconds int64           `json:"time_spent_seconds"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SubmittedAnswer is one answer inside the submit payload.
type SubmittedAnswer struct {
	QuestionID       uuid.UUID       `json:"question_id" binding:"required"`
	Answer           json.RawMessage `json:"answer"`
	TimeSpentSeconds int64           `json:"time_spent_seconds" binding:"gte=0"`
	LastMutatedAt    time.Time       `json:"last_mutated_at"`
}

// PersistAnswerJob is queued by the server after a save so a worker can write
// it through to PostgreSQL.
type PersistAnswerJob struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	ServerAnswer
}
