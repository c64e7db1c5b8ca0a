package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/transport"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// turnFunc scripts one backend turn for the fake backend.
type turnFunc func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event)

// fakeBackend pops one scripted turn per RunTurn call. When the script is
// exhausted the last entry repeats.
type fakeBackend struct {
	mu       sync.Mutex
	script   []turnFunc
	requests []*agent.TurnRequest
	runErr   error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) RunTurn(ctx context.Context, req *agent.TurnRequest) (<-chan agent.Event, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	if b.runErr != nil {
		err := b.runErr
		b.mu.Unlock()
		return nil, err
	}
	var fn turnFunc
	if len(b.script) > 0 {
		fn = b.script[0]
		if len(b.script) > 1 {
			b.script = b.script[1:]
		}
	}
	b.mu.Unlock()

	events := make(chan agent.Event)
	go func() {
		defer close(events)
		if fn != nil {
			fn(ctx, req, events)
		}
	}()
	return events, nil
}

func (b *fakeBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBackend) request(i int) *agent.TurnRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

// instantResult scripts a turn that emits its prompt back as the result.
func instantResult(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
	events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{
		Text:             "echo: " + req.Prompt,
		BackendSessionID: "backend-1",
	}}
}

// blockUntilCancelled scripts a turn that holds until its context is
// cancelled, then exits without a terminal event.
func blockUntilCancelled(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
	<-ctx.Done()
}

// fakeReply records every outbound call.
type fakeReply struct {
	caps models.Capabilities

	mu      sync.Mutex
	sends   []string
	edits   []string
	typings int
}

func newFakeReply() *fakeReply {
	return &fakeReply{caps: models.Capabilities{
		CanEdit:          true,
		CanButtons:       true,
		CanTyping:        true,
		MaxLength:        4096,
		MaxButtonsPerRow: 4,
	}}
}

func (r *fakeReply) Capabilities() models.Capabilities { return r.caps }

func (r *fakeReply) Send(ctx context.Context, msg models.Message) (models.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, msg.Text)
	return models.MessageRef{Platform: models.PlatformTelegram, Data: len(r.sends)}, nil
}

func (r *fakeReply) Edit(ctx context.Context, ref models.MessageRef, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, msg.Text)
	return nil
}

func (r *fakeReply) SendButtons(ctx context.Context, msg models.Message, rows []models.ButtonRow) (models.MessageRef, error) {
	return r.Send(ctx, msg)
}

func (r *fakeReply) Typing(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typings++
	return nil
}

func (r *fakeReply) typingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typings
}

func (r *fakeReply) sentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sends))
	copy(out, r.sends)
	return out
}

func (r *fakeReply) sawText(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range append(append([]string{}, r.sends...), r.edits...) {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline elapses.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func testTrigger(key models.SessionKey, prompt string) *models.Trigger {
	return &models.Trigger{
		ID:         "trg-" + prompt,
		Platform:   key.Platform(),
		SessionKey: key,
		Prompt:     prompt,
		Source:     models.SourceUser,
		ReceivedAt: time.Now(),
	}
}

func newTestActor(t *testing.T, backend agent.Backend, reply *fakeReply, cfg ActorConfig) *Actor {
	t.Helper()
	key, err := models.NewSessionKey(models.PlatformTelegram, "10", "20")
	if err != nil {
		t.Fatalf("NewSessionKey() error = %v", err)
	}
	actor := NewActor(key, reply, backend, cfg, nil, nil)
	actor.Start()
	t.Cleanup(actor.Close)
	return actor
}

func TestActorTurnLifecycle(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	reply := newFakeReply()
	actor := newTestActor(t, backend, reply, ActorConfig{})

	if got := actor.Info().State; got != models.StateIdle {
		t.Fatalf("initial state = %q, want %q", got, models.StateIdle)
	}

	if err := actor.Enqueue(testTrigger(actor.Key(), "hello")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		info := actor.Info()
		return info.State == models.StateIdle && info.Stats.TurnCount == 1
	})

	info := actor.Info()
	if info.Stats.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", info.Stats.MessageCount)
	}
	if info.Stats.InterruptCount != 0 {
		t.Errorf("InterruptCount = %d, want 0", info.Stats.InterruptCount)
	}
	if !reply.sawText("echo: hello") {
		t.Errorf("final text not delivered, sends = %v", reply.sentTexts())
	}
}

func TestActorPreemptsRunningTurn(t *testing.T) {
	t.Parallel()

	firstStarted := make(chan struct{})
	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			close(firstStarted)
			<-ctx.Done()
			// Late output from the cancelled turn; the generation guard
			// must keep all of it invisible.
			events <- agent.Event{Type: agent.EventTextDelta, Text: "stale partial"}
		},
		instantResult,
	}}
	reply := newFakeReply()
	actor := newTestActor(t, backend, reply, ActorConfig{InterruptGrace: 200 * time.Millisecond})

	if err := actor.Enqueue(testTrigger(actor.Key(), "first")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	<-firstStarted
	if err := actor.Enqueue(testTrigger(actor.Key(), "second")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		info := actor.Info()
		return info.State == models.StateIdle && info.Stats.TurnCount == 2
	})

	info := actor.Info()
	if info.Stats.InterruptCount != 1 {
		t.Errorf("InterruptCount = %d, want 1", info.Stats.InterruptCount)
	}
	if info.Stats.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", info.Stats.MessageCount)
	}
	if !reply.sawText("echo: second") {
		t.Errorf("second turn output missing, sends = %v", reply.sentTexts())
	}
	if reply.sawText("stale partial") {
		t.Errorf("cancelled turn output leaked, sends = %v", reply.sentTexts())
	}
}

func TestActorGenerationStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			started <- struct{}{}
			<-ctx.Done()
		},
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			instantResult(ctx, req, events)
		},
	}}
	actor := newTestActor(t, backend, newFakeReply(), ActorConfig{InterruptGrace: 100 * time.Millisecond})

	if got := actor.generation.Load(); got != 0 {
		t.Fatalf("initial generation = %d, want 0", got)
	}

	if err := actor.Enqueue(testTrigger(actor.Key(), "first")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	<-started
	if got := actor.generation.Load(); got != 1 {
		t.Fatalf("generation after first turn start = %d, want 1", got)
	}

	if err := actor.Enqueue(testTrigger(actor.Key(), "second")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return actor.Info().Stats.TurnCount == 2
	})

	// The interrupt's bump is the preempting turn's generation: exactly one
	// increment per accepted trigger.
	if got := actor.generation.Load(); got != 2 {
		t.Errorf("generation after preemption = %d, want 2", got)
	}
}

func TestActorMailboxOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	key, err := models.NewSessionKey(models.PlatformTelegram, "10", "")
	if err != nil {
		t.Fatalf("NewSessionKey() error = %v", err)
	}
	backend := &fakeBackend{script: []turnFunc{instantResult}}
	actor := NewActor(key, newFakeReply(), backend, ActorConfig{MailboxSize: 1}, nil, nil)

	// Not started yet, so all three land in the mailbox; the one-slot
	// buffer keeps only the newest.
	for _, p := range []string{"one", "two", "three"} {
		if err := actor.Enqueue(testTrigger(key, p)); err != nil {
			t.Fatalf("Enqueue(%q) error = %v", p, err)
		}
	}

	actor.Start()
	t.Cleanup(actor.Close)

	waitFor(t, time.Second, func() bool { return backend.requestCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	if n := backend.requestCount(); n != 1 {
		t.Fatalf("backend saw %d turns, want 1", n)
	}
	if got := backend.request(0).Prompt; got != "three" {
		t.Errorf("surviving prompt = %q, want %q", got, "three")
	}
}

func TestActorAwaitingInputResolution(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			in := &agent.InputRequest{
				ID:      "req-1",
				Prompt:  "Proceed with deletion?",
				Options: []string{"yes", "no"},
				Answer:  make(chan string, 1),
			}
			events <- agent.Event{Type: agent.EventInputRequest, Input: in}
			select {
			case answer := <-in.Answer:
				events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{
					Text: "answered: " + answer,
				}}
			case <-ctx.Done():
			}
		},
	}}
	reply := newFakeReply()
	actor := newTestActor(t, backend, reply, ActorConfig{})

	if err := actor.Enqueue(testTrigger(actor.Key(), "delete it")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		info := actor.Info()
		return info.State == models.StateAwaitingInput && info.PendingInput
	})

	// Resolution consumes no mailbox slot and no generation.
	genBefore := actor.generation.Load()
	if err := actor.ResolveInput("req-1", "yes"); err != nil {
		t.Fatalf("ResolveInput() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return actor.Info().State == models.StateIdle
	})
	if got := actor.generation.Load(); got != genBefore {
		t.Errorf("generation changed on input resolution: %d -> %d", genBefore, got)
	}
	if !reply.sawText("answered: yes") {
		t.Errorf("resumed turn output missing, sends = %v", reply.sentTexts())
	}
	if actor.Info().PendingInput {
		t.Error("PendingInput still set after resolution")
	}
}

func TestActorResolveInputErrors(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			in := &agent.InputRequest{ID: "req-1", Prompt: "sure?", Answer: make(chan string, 1)}
			events <- agent.Event{Type: agent.EventInputRequest, Input: in}
			select {
			case <-in.Answer:
				events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{Text: "done"}}
			case <-ctx.Done():
			}
		},
	}}
	actor := newTestActor(t, backend, newFakeReply(), ActorConfig{})

	if err := actor.ResolveInput("req-1", "yes"); !errors.Is(err, ErrNoPendingInput) {
		t.Errorf("ResolveInput() with nothing pending error = %v, want ErrNoPendingInput", err)
	}

	if err := actor.Enqueue(testTrigger(actor.Key(), "go")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return actor.Info().State == models.StateAwaitingInput
	})

	if err := actor.ResolveInput("req-other", "yes"); !errors.Is(err, ErrNoPendingInput) {
		t.Errorf("ResolveInput() with wrong id error = %v, want ErrNoPendingInput", err)
	}
	if err := actor.ResolveInput("req-1", "yes"); err != nil {
		t.Errorf("ResolveInput() with matching id error = %v", err)
	}
}

func TestActorPreemptionCancelsPendingInput(t *testing.T) {
	t.Parallel()

	answered := make(chan string, 1)
	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			in := &agent.InputRequest{ID: "req-1", Prompt: "approve?", Answer: make(chan string, 1)}
			events <- agent.Event{Type: agent.EventInputRequest, Input: in}
			select {
			case a := <-in.Answer:
				answered <- a
			case <-ctx.Done():
			}
		},
		instantResult,
	}}
	actor := newTestActor(t, backend, newFakeReply(), ActorConfig{InterruptGrace: 100 * time.Millisecond})

	if err := actor.Enqueue(testTrigger(actor.Key(), "risky op")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return actor.Info().State == models.StateAwaitingInput
	})

	// An unrelated message must cancel the request, never answer it.
	if err := actor.Enqueue(testTrigger(actor.Key(), "unrelated")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		info := actor.Info()
		return info.Stats.TurnCount == 2 && info.State == models.StateIdle
	})

	select {
	case a := <-answered:
		t.Fatalf("pending input was answered with %q, want cancellation", a)
	default:
	}
	if actor.Info().PendingInput {
		t.Error("PendingInput still set after preemption")
	}
	if err := actor.ResolveInput("req-1", "yes"); !errors.Is(err, ErrNoPendingInput) {
		t.Errorf("ResolveInput() after preemption error = %v, want ErrNoPendingInput", err)
	}
}

func TestActorTurnErrorContained(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			events <- agent.Event{Type: agent.EventError, Err: errors.New("model unavailable")}
		},
		instantResult,
	}}
	reply := newFakeReply()
	actor := newTestActor(t, backend, reply, ActorConfig{})

	if err := actor.Enqueue(testTrigger(actor.Key(), "boom")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		info := actor.Info()
		return info.Stats.ErrorCount == 1 && info.State == models.StateIdle
	})

	if !reply.sawText("Something went wrong") {
		t.Errorf("user was not notified of the failure, sends = %v", reply.sentTexts())
	}

	// The actor keeps serving after a failed turn.
	if err := actor.Enqueue(testTrigger(actor.Key(), "retry")); err != nil {
		t.Fatalf("Enqueue() after failure error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return actor.Info().Stats.TurnCount == 2
	})
	if !reply.sawText("echo: retry") {
		t.Errorf("turn after failure produced no output, sends = %v", reply.sentTexts())
	}
}

func TestActorBackendPanicContained(t *testing.T) {
	t.Parallel()

	panicking := &panicBackend{}
	reply := newFakeReply()
	actor := newTestActor(t, panicking, reply, ActorConfig{})

	if err := actor.Enqueue(testTrigger(actor.Key(), "explode")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		info := actor.Info()
		return info.Stats.ErrorCount == 1 && info.State == models.StateIdle
	})
	if !reply.sawText("Something went wrong") {
		t.Errorf("user was not notified of the panic, sends = %v", reply.sentTexts())
	}
}

// panicBackend panics when the turn goroutine consumes its stream.
type panicBackend struct{}

func (b *panicBackend) Name() string { return "panic" }

func (b *panicBackend) RunTurn(ctx context.Context, req *agent.TurnRequest) (<-chan agent.Event, error) {
	panic("backend exploded")
}

func TestActorCloseIdempotent(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{blockUntilCancelled}}
	actor := newTestActor(t, backend, newFakeReply(), ActorConfig{InterruptGrace: 100 * time.Millisecond})

	if err := actor.Enqueue(testTrigger(actor.Key(), "long job")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return backend.requestCount() == 1 })

	actor.Close()
	actor.Close()

	if got := actor.Info().State; got != models.StateClosed {
		t.Errorf("state after Close = %q, want %q", got, models.StateClosed)
	}
	if err := actor.Enqueue(testTrigger(actor.Key(), "late")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestActorStreamingEditsInPlace(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			events <- agent.Event{Type: agent.EventTextDelta, Text: "partial "}
			events <- agent.Event{Type: agent.EventTextDelta, Text: "answer"}
			events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{
				Text: "partial answer",
			}}
		},
	}}
	reply := newFakeReply()
	actor := newTestActor(t, backend, reply, ActorConfig{StreamInterval: time.Millisecond})

	if err := actor.Enqueue(testTrigger(actor.Key(), "stream")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return actor.Info().Stats.TurnCount == 1 && actor.Info().State == models.StateIdle
	})

	sends := reply.sentTexts()
	if len(sends) != 1 {
		t.Fatalf("len(sends) = %d, want exactly one streamed message, sends = %v", len(sends), sends)
	}
	if !reply.sawText("partial answer") {
		t.Errorf("final text never rendered, sends = %v, edits = %v", sends, reply.edits)
	}
}

func TestActorStreamingWithoutEdits(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			events <- agent.Event{Type: agent.EventTextDelta, Text: "partial "}
			events <- agent.Event{Type: agent.EventTextDelta, Text: "answer"}
			events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{
				Text: "partial answer",
			}}
		},
	}}
	// A platform without message edits: no partials go out, only the final.
	reply := &fakeReply{caps: models.Capabilities{MaxLength: 2000}}
	actor := newTestActor(t, backend, reply, ActorConfig{StreamInterval: time.Millisecond})

	if err := actor.Enqueue(testTrigger(actor.Key(), "stream")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return actor.Info().Stats.TurnCount == 1 && actor.Info().State == models.StateIdle
	})

	sends := reply.sentTexts()
	if len(sends) != 1 {
		t.Fatalf("len(sends) = %d, want the full text exactly once, sends = %v", len(sends), sends)
	}
	if sends[0] != "partial answer" {
		t.Errorf("sent text = %q, want the complete final text", sends[0])
	}
	if len(reply.edits) != 0 {
		t.Errorf("edits = %v, want none on a platform without edits", reply.edits)
	}
}

func TestActorIgnoresEmptyTrigger(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	reply := newFakeReply()
	actor := newTestActor(t, backend, reply, ActorConfig{})

	// Whitespace-only prompt with no attachments: dropped without a turn.
	if err := actor.Enqueue(testTrigger(actor.Key(), "   ")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if n := backend.requestCount(); n != 0 {
		t.Fatalf("backend saw %d turns for an empty trigger, want 0", n)
	}
	if got := actor.Info().Stats.TurnCount; got != 0 {
		t.Errorf("TurnCount = %d, want 0", got)
	}
	if reply.sawText("Something went wrong") {
		t.Errorf("empty trigger produced an error reply, sends = %v", reply.sentTexts())
	}

	// Real input still flows afterwards.
	if err := actor.Enqueue(testTrigger(actor.Key(), "hello")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return actor.Info().Stats.TurnCount == 1 })
	if !reply.sawText("echo: hello") {
		t.Errorf("turn after dropped trigger produced no output, sends = %v", reply.sentTexts())
	}
}

func TestActorTypingPausedWhileAwaitingInput(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			in := &agent.InputRequest{ID: "req-1", Prompt: "continue?", Answer: make(chan string, 1)}
			events <- agent.Event{Type: agent.EventInputRequest, Input: in}
			select {
			case <-in.Answer:
				events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{Text: "done"}}
			case <-ctx.Done():
			}
		},
	}}
	reply := newFakeReply()
	actor := newTestActor(t, backend, reply, ActorConfig{TypingInterval: 5 * time.Millisecond})

	if err := actor.Enqueue(testTrigger(actor.Key(), "needs approval")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return actor.Info().State == models.StateAwaitingInput
	})

	// Let a refresh already past the state check land before sampling.
	time.Sleep(20 * time.Millisecond)
	before := reply.typingCount()
	time.Sleep(50 * time.Millisecond)
	if after := reply.typingCount(); after != before {
		t.Errorf("typing indicator refreshed while awaiting input: %d -> %d", before, after)
	}

	if err := actor.ResolveInput("req-1", "yes"); err != nil {
		t.Fatalf("ResolveInput() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return actor.Info().State == models.StateIdle })
}

func TestActorResumedBackendSession(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult, instantResult}}
	cfg := ActorConfig{BackendSessionID: "persisted-42"}
	actor := newTestActor(t, backend, newFakeReply(), cfg)

	if err := actor.Enqueue(testTrigger(actor.Key(), "resume")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return backend.requestCount() == 1 })

	if got := backend.request(0).BackendSessionID; got != "persisted-42" {
		t.Errorf("first turn BackendSessionID = %q, want %q", got, "persisted-42")
	}

	// The result's backend session ID replaces the persisted one.
	waitFor(t, time.Second, func() bool { return actor.Info().State == models.StateIdle && actor.Info().Stats.TurnCount == 1 })
	if err := actor.Enqueue(testTrigger(actor.Key(), "again")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return backend.requestCount() == 2 })
	if got := backend.request(1).BackendSessionID; got != "backend-1" {
		t.Errorf("second turn BackendSessionID = %q, want %q", got, "backend-1")
	}
}

var _ transport.ReplyTarget = (*fakeReply)(nil)
