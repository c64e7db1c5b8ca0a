// Package agent defines the contract between the dispatch core and the
// conversational execution engine. The core treats a Backend as an opaque,
// cancellable collaborator: it submits one turn at a time per session and
// consumes a stream of output events until a terminal result or error.
package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Backend executes conversation turns. Implementations must be safe for
// concurrent independent turns across sessions and must honor context
// cancellation promptly on a best-effort basis; the caller applies a bounded
// grace period and proceeds regardless once it elapses.
type Backend interface {
	// Name returns the backend name for logs and metrics.
	Name() string

	// RunTurn starts one conversation turn and returns its event stream.
	// The stream is closed after a terminal EventResult or EventError.
	// Cancelling ctx abandons the turn; the stream still closes.
	RunTurn(ctx context.Context, req *TurnRequest) (<-chan Event, error)
}

// TurnRequest carries everything a backend needs for one turn.
type TurnRequest struct {
	SessionKey  models.SessionKey
	Prompt      string
	Attachments []models.Attachment

	// Workdir is the working directory context for the conversation.
	Workdir string

	// BackendSessionID resumes a prior backend conversation when set.
	// Empty for the first turn of a session.
	BackendSessionID string
}

// EventType discriminates the variants of Event.
type EventType string

const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta EventType = "text_delta"

	// EventAction announces a tool or action the backend is performing.
	EventAction EventType = "action"

	// EventInputRequest asks the user a question or requests permission.
	// The session actor suspends in AwaitingInput until it is resolved
	// or the turn is preempted.
	EventInputRequest EventType = "input_request"

	// EventResult terminates a successful turn.
	EventResult EventType = "result"

	// EventError terminates a failed turn.
	EventError EventType = "error"
)

// Event is one element of a turn's output stream. Exactly one of the
// variant fields is populated, selected by Type.
type Event struct {
	Type EventType

	// Text is the incremental chunk for EventTextDelta.
	Text string

	Action *ActionNotice
	Input  *InputRequest
	Result *TurnResult
	Err    error
}

// ActionNotice describes a tool call or action in progress.
type ActionNotice struct {
	Name   string
	Detail string
}

// InputRequest suspends a turn pending a user answer. The backend receives
// the answer on the Answer channel; if the turn is cancelled instead, the
// channel is never written and the backend observes ctx cancellation.
type InputRequest struct {
	ID      string
	Prompt  string
	Options []string

	// Answer receives exactly one answer if the request is resolved.
	// Buffered with capacity 1 so resolution never blocks the resolver.
	Answer chan string
}

// TurnResult is the terminal payload of a successful turn.
type TurnResult struct {
	// Text is the final assistant message. Streaming consumers may have
	// already rendered most of it from text deltas.
	Text string

	// BackendSessionID identifies the backend-side conversation so later
	// turns (and restarted daemons) can resume it.
	BackendSessionID string

	InputTokens  int
	OutputTokens int
}

// TurnError wraps a backend failure during a turn. It is contained within
// the owning session actor and never propagates across sessions.
type TurnError struct {
	Backend string
	Err     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s turn failed: %v", e.Backend, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
