package models

import "time"

// SessionState is the lifecycle state of a session actor.
type SessionState string

const (
	// StateIdle means no turn is running and no input is pending.
	StateIdle SessionState = "idle"

	// StateProcessing means a turn is executing.
	StateProcessing SessionState = "processing"

	// StateAwaitingInput means a turn surfaced a question or permission
	// request and is suspended until the user answers.
	StateAwaitingInput SessionState = "awaiting_input"

	// StateClosed is terminal.
	StateClosed SessionState = "closed"
)

// SessionStats tracks runtime counters for one session.
type SessionStats struct {
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	MessageCount   int       `json:"message_count"`
	TurnCount      int       `json:"turn_count"`
	InterruptCount int       `json:"interrupt_count"`
	ErrorCount     int       `json:"error_count"`
}

// SessionInfo is a read-only snapshot of a live session, exposed through the
// dispatcher for status tooling. It never aliases actor-internal state.
type SessionInfo struct {
	Key          SessionKey   `json:"session_key"`
	Platform     Platform     `json:"platform"`
	State        SessionState `json:"state"`
	Workdir      string       `json:"workdir,omitempty"`
	PendingInput bool         `json:"pending_input"`
	Stats        SessionStats `json:"stats"`
}
