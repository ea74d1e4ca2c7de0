package websocket

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionPing     Action = "ping"
)

// RequestPayload is the union of every client message. Fields not used by an
// action are left empty.
type RequestPayload struct {
	Action           Action          `json:"action"`
	RequestID        string          `json:"request_id,omitempty"`
	QuestionID       uuid.UUID       `json:"question_id,omitempty"`
	Answer           json.RawMessage `json:"answer,omitempty"`
	TimeSpentSeconds int64           `json:"time_spent_seconds,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError Event = "error"
	EventSaved Event = "saved"
	EventPong  Event = "pong"
)

// ResponsePayload answers one request; RequestID echoes the request.
type ResponsePayload struct {
	Event      Event     `json:"event"`
	RequestID  string    `json:"request_id,omitempty"`
	QuestionID uuid.UUID `json:"question_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}
