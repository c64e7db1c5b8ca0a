package dispatch

import "errors"

// Dispatch errors. Addressing and configuration errors surface synchronously
// to the caller of the failing operation; turn-level failures never do — they
// are contained inside the owning session actor.
var (
	// ErrListenerConflict means a listener is already registered for the
	// platform. Duplicate registration is a configuration error, fatal at
	// startup.
	ErrListenerConflict = errors.New("listener already registered for platform")

	// ErrNoListener means no listener is registered for a trigger's
	// platform. The trigger is dropped, not retried; the caller surfaces
	// the failure to its own caller.
	ErrNoListener = errors.New("no listener registered for platform")

	// ErrSessionClosed means an enqueue was attempted against a closed
	// actor. Callers should treat the session as gone.
	ErrSessionClosed = errors.New("session is closed")

	// ErrSessionNotFound means no live actor exists for the key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoPendingInput means an input resolution arrived for a session
	// with no matching suspended request. This happens routinely when the
	// request was preempted before the user answered.
	ErrNoPendingInput = errors.New("no matching pending input request")
)
