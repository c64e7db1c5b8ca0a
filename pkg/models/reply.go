package models

// Message is the unit of outbound text sent through a ReplyTarget.
// Rendering to platform-specific markup happens inside the transport.
type Message struct {
	Text string `json:"text"`
}

// MessageRef is an opaque reference to a sent message, used for later edits.
// Each transport stores what it needs: Telegram keeps chat and message IDs,
// Discord keeps channel and message IDs.
type MessageRef struct {
	Platform Platform `json:"platform"`
	Data     any      `json:"-"`
}

// Button is a platform-agnostic inline button.
type Button struct {
	Text       string `json:"text"`
	CallbackID string `json:"callback_id"`
}

// ButtonRow is one row of buttons in a keyboard layout.
type ButtonRow struct {
	Buttons []Button `json:"buttons"`
}

// Capabilities describes what a ReplyTarget supports. Callers must check the
// relevant flag before invoking a gated operation; violating that is a
// programmer error, not a recoverable runtime condition.
type Capabilities struct {
	CanEdit          bool `json:"can_edit"`
	CanButtons       bool `json:"can_buttons"`
	CanTyping        bool `json:"can_typing"`
	MaxLength        int  `json:"max_length"`
	MaxButtonsPerRow int  `json:"max_buttons_per_row"`
}
