// Package providers implements agent.Backend on top of hosted LLM APIs.
//
// The chat APIs are stateless, so each provider keeps an in-process
// transcript per backend session ID: a resumed ID continues its
// conversation, an unknown ID starts a fresh one under the same name.
package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-...
	APIKey string

	// Model defaults to claude-sonnet-4-20250514.
	Model string

	// MaxTokens caps the response length. Default 4096.
	MaxTokens int

	// MaxRetries bounds retry attempts on transient failures. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff; actual delays double per attempt.
	// Default 1s.
	RetryDelay time.Duration

	// System is the system prompt, if any.
	System string
}

// Anthropic implements agent.Backend against the Anthropic Messages API with
// streaming, retry with exponential backoff, and prompt cancellation. Safe
// for concurrent turns across sessions.
type Anthropic struct {
	client anthropic.Client
	cfg    AnthropicConfig

	mu      sync.Mutex
	history map[string][]anthropic.MessageParam
}

// NewAnthropic creates the backend, validating config and applying defaults.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:     cfg,
		history: make(map[string][]anthropic.MessageParam),
	}, nil
}

// Name implements agent.Backend.
func (p *Anthropic) Name() string { return "anthropic" }

// RunTurn implements agent.Backend.
func (p *Anthropic) RunTurn(ctx context.Context, req *agent.TurnRequest) (<-chan agent.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Attachments) == 0 {
		return nil, errors.New("anthropic: empty prompt")
	}

	events := make(chan agent.Event)
	go p.runTurn(ctx, req, events)
	return events, nil
}

func (p *Anthropic) runTurn(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
	defer close(events)

	sessionID := req.BackendSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	userTurn := anthropic.NewUserMessage(anthropic.NewTextBlock(renderPrompt(req)))
	messages := append(p.snapshot(sessionID), userTurn)

	stream, err := p.openStream(ctx, messages)
	if err != nil {
		events <- agent.Event{Type: agent.EventError, Err: err}
		return
	}

	var text strings.Builder
	var inputTokens, outputTokens int
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				events <- agent.Event{Type: agent.EventAction, Action: &agent.ActionNotice{
					Name: use.Name,
				}}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				text.WriteString(delta.Text)
				events <- agent.Event{Type: agent.EventTextDelta, Text: delta.Text}
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			final := text.String()
			p.commit(sessionID, userTurn, final)
			events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{
				Text:             final,
				BackendSessionID: sessionID,
				InputTokens:      inputTokens,
				OutputTokens:     outputTokens,
			}}
			return
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			// Cancelled turn: exit without a terminal event, per the
			// Backend contract.
			return
		}
		events <- agent.Event{Type: agent.EventError, Err: fmt.Errorf("anthropic stream: %w", err)}
		return
	}
	if ctx.Err() != nil {
		return
	}
	events <- agent.Event{Type: agent.EventError, Err: errors.New("anthropic: stream ended without message_stop")}
}

// openStream starts the streaming request, retrying transient failures with
// exponential backoff.
func (p *Anthropic) openStream(ctx context.Context, messages []anthropic.MessageParam) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		Messages:  messages,
		MaxTokens: int64(p.cfg.MaxTokens),
	}
	if p.cfg.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: p.cfg.System}}
	}

	for attempt := 0; ; attempt++ {
		stream := p.client.Messages.NewStreaming(ctx, params)
		err := stream.Err()
		if err == nil {
			return stream, nil
		}
		if ctx.Err() != nil || attempt >= p.cfg.MaxRetries || !isRetryable(err) {
			return nil, fmt.Errorf("anthropic request: %w", err)
		}
		backoff := p.cfg.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// snapshot returns a copy of the session transcript.
func (p *Anthropic) snapshot(sessionID string) []anthropic.MessageParam {
	p.mu.Lock()
	defer p.mu.Unlock()
	history := p.history[sessionID]
	out := make([]anthropic.MessageParam, len(history))
	copy(out, history)
	return out
}

// commit appends the completed exchange to the session transcript.
func (p *Anthropic) commit(sessionID string, userTurn anthropic.MessageParam, assistantText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[sessionID] = append(p.history[sessionID],
		userTurn,
		anthropic.NewAssistantMessage(anthropic.NewTextBlock(assistantText)),
	)
}

// renderPrompt folds attachment references into the prompt text. Image
// content blocks would need the media fetched; references keep the backend
// decoupled from transport-side storage.
func renderPrompt(req *agent.TurnRequest) string {
	if len(req.Attachments) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	for _, att := range req.Attachments {
		ref := att.URL
		if ref == "" {
			ref = att.Path
		}
		fmt.Fprintf(&b, "[attachment %s: %s]\n", att.Kind, ref)
	}
	if req.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(req.Prompt)
	}
	return b.String()
}

// isRetryable reports whether an API error is worth retrying: rate limits,
// overloaded upstreams, and transient server errors.
func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 529:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "overloaded")
}

var _ agent.Backend = (*Anthropic)(nil)
