package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform represents a messaging platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
)

// TriggerSource distinguishes how a trigger entered the system.
// It is recorded for observability only; routing does not branch on it.
type TriggerSource string

const (
	// SourceUser marks triggers produced by a transport listener from a
	// real inbound platform event.
	SourceUser TriggerSource = "user"

	// SourceInjected marks triggers constructed programmatically, e.g.
	// through the task API.
	SourceInjected TriggerSource = "injected"
)

// SessionKey uniquely identifies one conversation across all platforms.
//
// Keys are namespaced with the platform tag so numeric IDs from different
// platforms can never collide: "telegram:1234:56" and "discord:1234" address
// different conversations even though the primary IDs coincide.
type SessionKey string

// InvalidKeyError reports malformed trigger addressing. It is returned
// before the trigger reaches any session actor.
type InvalidKeyError struct {
	Platform Platform
	Reason   string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid session key for platform %q: %s", e.Platform, e.Reason)
}

// NewSessionKey builds a collision-free session key from a platform tag and
// platform-scoped identifiers. conversationID is the primary identifier
// (chat ID, channel ID); threadID addresses a sub-thread and may be empty.
//
// Two triggers that should share a conversation produce byte-identical keys;
// a key encodes the thread only when one is present so platforms with
// differing addressing granularity stay stable.
func NewSessionKey(platform Platform, conversationID, threadID string) (SessionKey, error) {
	if strings.TrimSpace(string(platform)) == "" {
		return "", &InvalidKeyError{Platform: platform, Reason: "platform is required"}
	}
	if strings.TrimSpace(conversationID) == "" {
		return "", &InvalidKeyError{Platform: platform, Reason: "conversation id is required"}
	}
	if threadID != "" {
		return SessionKey(fmt.Sprintf("%s:%s:%s", platform, conversationID, threadID)), nil
	}
	return SessionKey(fmt.Sprintf("%s:%s", platform, conversationID)), nil
}

// Platform returns the platform tag the key was namespaced with.
func (k SessionKey) Platform() Platform {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return Platform(s[:i])
	}
	return Platform(s)
}

// Trigger is one inbound unit of work destined for a specific session.
// Triggers are immutable once constructed; ReplyContext is opaque data the
// owning transport listener uses to build a ReplyTarget, not a reply channel.
type Trigger struct {
	// ID is a unique identifier for log correlation.
	ID string `json:"id"`

	Platform   Platform   `json:"platform"`
	SessionKey SessionKey `json:"session_key"`

	// Prompt is the raw user text for the agent turn.
	Prompt string `json:"prompt"`

	// Attachments carries images or files referenced by the event.
	Attachments []Attachment `json:"attachments,omitempty"`

	// ReplyContext is platform-specific addressing the listener needs to
	// construct a ReplyTarget (chat IDs, thread IDs, workdir hints).
	ReplyContext map[string]any `json:"reply_context,omitempty"`

	Source     TriggerSource `json:"source"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Attachment references a file or image carried by a trigger. It is passed
// opaquely to the agent backend.
type Attachment struct {
	Kind string `json:"kind"` // image, document
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	MIME string `json:"mime,omitempty"`
}
