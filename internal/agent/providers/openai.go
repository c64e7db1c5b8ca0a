package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// Model defaults to gpt-4o.
	Model string

	// MaxTokens caps the response length. Default 4096.
	MaxTokens int

	// System is the system prompt, if any.
	System string
}

// OpenAI implements agent.Backend against the OpenAI chat completions API
// with streaming. Safe for concurrent turns across sessions.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

// NewOpenAI creates the backend, validating config and applying defaults.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &OpenAI{
		client:  openai.NewClient(cfg.APIKey),
		cfg:     cfg,
		history: make(map[string][]openai.ChatCompletionMessage),
	}, nil
}

// Name implements agent.Backend.
func (p *OpenAI) Name() string { return "openai" }

// RunTurn implements agent.Backend.
func (p *OpenAI) RunTurn(ctx context.Context, req *agent.TurnRequest) (<-chan agent.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Attachments) == 0 {
		return nil, errors.New("openai: empty prompt")
	}

	events := make(chan agent.Event)
	go p.runTurn(ctx, req, events)
	return events, nil
}

func (p *OpenAI) runTurn(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
	defer close(events)

	sessionID := req.BackendSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	userTurn := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: renderPrompt(req),
	}
	messages := p.snapshot(sessionID)
	if p.cfg.System != "" && len(messages) == 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.cfg.System,
		})
	}
	messages = append(messages, userTurn)

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     p.cfg.Model,
		Messages:  messages,
		MaxTokens: p.cfg.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		if ctx.Err() == nil {
			events <- agent.Event{Type: agent.EventError, Err: fmt.Errorf("openai request: %w", err)}
		}
		return
	}
	defer stream.Close()

	var text strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			final := text.String()
			p.commit(sessionID, messages, final)
			events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{
				Text:             final,
				BackendSessionID: sessionID,
			}}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			events <- agent.Event{Type: agent.EventError, Err: fmt.Errorf("openai stream: %w", err)}
			return
		}
		for _, choice := range response.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				events <- agent.Event{Type: agent.EventTextDelta, Text: choice.Delta.Content}
			}
		}
	}
}

func (p *OpenAI) snapshot(sessionID string) []openai.ChatCompletionMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	history := p.history[sessionID]
	out := make([]openai.ChatCompletionMessage, len(history))
	copy(out, history)
	return out
}

// commit stores the full exchange, including the system prompt when this was
// the first turn, so later snapshots carry it forward.
func (p *OpenAI) commit(sessionID string, sent []openai.ChatCompletionMessage, assistantText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[sessionID] = append(sent, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: assistantText,
	})
}

var _ agent.Backend = (*OpenAI)(nil)
