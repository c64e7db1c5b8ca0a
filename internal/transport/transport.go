// Package transport defines the boundary between the dispatch core and the
// platform-specific adapters. A Listener turns one platform's wire protocol
// into Triggers; a ReplyTarget is the capability-described output channel
// back to the conversation the trigger came from.
package transport

import (
	"context"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// TriggerFunc receives one inbound trigger. Implementations of Listener call
// it at least once per inbound platform event and never reentrantly before a
// prior call returns. The callback is expected to be fast: the dispatcher
// does no more than a registry lookup and a mailbox push before returning.
type TriggerFunc func(trigger *models.Trigger)

// Listener produces triggers from one platform and builds reply targets for
// them. Implementations live in the per-platform subpackages.
type Listener interface {
	// Platform returns the platform tag this listener serves. Session keys
	// for its triggers are namespaced with this tag.
	Platform() models.Platform

	// Start begins receiving platform events, invoking onTrigger for each.
	// It returns once the listener is running; delivery happens on the
	// listener's own goroutines until Stop or ctx cancellation.
	Start(ctx context.Context, onTrigger TriggerFunc) error

	// Stop shuts the listener down and releases its connections.
	Stop(ctx context.Context) error

	// CreateReplyTarget builds a ReplyTarget from the opaque reply context
	// carried by one of this listener's triggers.
	CreateReplyTarget(replyContext map[string]any) (ReplyTarget, error)
}

// ReplyTarget sends output back to the conversation a trigger originated
// from. A target is owned exclusively by one session actor for its lifetime;
// only that actor may call it.
//
// Edit and SendButtons are gated by the corresponding capability flags;
// callers must check Capabilities first.
type ReplyTarget interface {
	Capabilities() models.Capabilities

	// Send delivers a new message and returns a reference for later edits.
	Send(ctx context.Context, msg models.Message) (models.MessageRef, error)

	// Edit replaces the content of a previously sent message. Only valid
	// when Capabilities().CanEdit.
	Edit(ctx context.Context, ref models.MessageRef, msg models.Message) error

	// SendButtons delivers a message with an inline keyboard. Only valid
	// when Capabilities().CanButtons.
	SendButtons(ctx context.Context, msg models.Message, rows []models.ButtonRow) (models.MessageRef, error)

	// Typing shows a typing indicator. Platforms expire the indicator on
	// their own schedule, so callers refresh it while work is in flight.
	Typing(ctx context.Context) error
}
