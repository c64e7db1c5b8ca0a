package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/transport"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	// defaultMailboxSize bounds the pending-trigger buffer. Preemption keeps
	// the mailbox near-empty in practice; on overflow the oldest pending
	// trigger is dropped in favor of the newest.
	defaultMailboxSize = 32

	// defaultInterruptGrace bounds how long an interrupt waits for the
	// cancelled turn to acknowledge before proceeding anyway.
	defaultInterruptGrace = 5 * time.Second

	// defaultStreamInterval is the minimum time between streaming message
	// edits, to stay clear of platform rate limits.
	defaultStreamInterval = 1 * time.Second

	// defaultTypingInterval is how often the typing indicator is refreshed
	// while a turn is in flight.
	defaultTypingInterval = 4 * time.Second
)

// ActorConfig tunes one session actor. The zero value is usable; missing
// fields fall back to the defaults above.
type ActorConfig struct {
	MailboxSize    int
	InterruptGrace time.Duration
	StreamInterval time.Duration
	TypingInterval time.Duration

	// Workdir is the working directory context passed to the backend.
	Workdir string

	// BackendSessionID resumes a persisted backend conversation, when known.
	BackendSessionID string
}

func (c ActorConfig) withDefaults() ActorConfig {
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = defaultInterruptGrace
	}
	if c.StreamInterval <= 0 {
		c.StreamInterval = defaultStreamInterval
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = defaultTypingInterval
	}
	return c
}

// Actor owns one conversation: its reply target, its stats, and a strictly
// sequential processing loop over its mailbox. The loop goroutine is the only
// consumer of the mailbox and the only writer of turn state, so sessions are
// internally sequential while different sessions run fully concurrently.
//
// A trigger arriving while a turn is running preempts it: the generation
// counter is bumped first (invalidating every side effect the old turn might
// still attempt), the turn's context is cancelled, and the loop waits up to
// the interrupt grace period before starting the new turn.
type Actor struct {
	key      models.SessionKey
	platform models.Platform
	reply    transport.ReplyTarget
	backend  agent.Backend
	cfg      ActorConfig

	logger  *slog.Logger
	metrics *observability.Metrics

	// onResult is invoked after each successful turn with the terminal
	// result, outside the actor's mutex. Used to persist session metadata.
	onResult func(*agent.TurnResult)

	mailbox   chan *models.Trigger
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	// generation invalidates stale asynchronous work. Incremented exactly
	// once per accepted trigger; on preemption the interrupt's bump is the
	// new turn's generation.
	generation atomic.Uint64

	mu               sync.Mutex
	state            models.SessionState
	pending          *pendingInput
	stats            models.SessionStats
	backendSessionID string
}

// turn is the loop's handle to one in-flight backend turn.
type turn struct {
	gen     uint64
	trigger *models.Trigger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewActor constructs a session actor. Start must be called before Enqueue.
func NewActor(key models.SessionKey, reply transport.ReplyTarget, backend agent.Backend, cfg ActorConfig, logger *slog.Logger, metrics *observability.Metrics) *Actor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Actor{
		key:      key,
		platform: key.Platform(),
		reply:    reply,
		backend:  backend,
		cfg:      cfg,
		logger:   logger.With("session_key", string(key)),
		metrics:  metrics,
		mailbox:  make(chan *models.Trigger, cfg.MailboxSize),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    models.StateIdle,
		stats: models.SessionStats{
			CreatedAt:    now,
			LastActivity: now,
		},
		backendSessionID: cfg.BackendSessionID,
	}
}

// SetResultHook registers a callback invoked after each successful turn.
// Must be called before Start.
func (a *Actor) SetResultHook(fn func(*agent.TurnResult)) {
	a.onResult = fn
}

// Key returns the session key this actor serves.
func (a *Actor) Key() models.SessionKey { return a.key }

// Start launches the actor's processing loop.
func (a *Actor) Start() {
	go a.loop()
}

// Enqueue hands a trigger to the actor. It never blocks beyond the mailbox
// push: if the buffer is full, the oldest pending trigger is discarded so the
// newest wins, consistent with the preemption policy. Returns
// ErrSessionClosed once the actor has been closed.
func (a *Actor) Enqueue(trigger *models.Trigger) error {
	a.mu.Lock()
	closed := a.state == models.StateClosed
	a.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	// Nothing for the backend to work with; dropping silently mirrors how
	// transports treat stickers and service messages.
	if strings.TrimSpace(trigger.Prompt) == "" && len(trigger.Attachments) == 0 {
		a.logger.Debug("ignoring empty trigger", "trigger", trigger.ID)
		return nil
	}

	for {
		select {
		case a.mailbox <- trigger:
			return nil
		default:
		}
		select {
		case dropped := <-a.mailbox:
			a.logger.Warn("mailbox full, dropping oldest trigger",
				"dropped_trigger", dropped.ID,
				"incoming_trigger", trigger.ID)
		default:
		}
	}
}

// ResolveInput resumes a turn suspended in AwaitingInput with the user's
// answer. It does not consume a mailbox slot and does not advance the
// generation. Returns ErrNoPendingInput when no matching request is pending,
// which happens routinely after a preemption cancelled it.
func (a *Actor) ResolveInput(requestID, answer string) error {
	a.mu.Lock()
	p := a.pending
	if p == nil || (requestID != "" && p.id != requestID) {
		a.mu.Unlock()
		return ErrNoPendingInput
	}
	a.pending = nil
	a.mu.Unlock()

	if !p.resolve(answer) {
		return ErrNoPendingInput
	}
	return nil
}

// Info returns a read-only snapshot of the actor's state and stats.
func (a *Actor) Info() models.SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.SessionInfo{
		Key:          a.key,
		Platform:     a.platform,
		State:        a.state,
		Workdir:      a.cfg.Workdir,
		PendingInput: a.pending != nil,
		Stats:        a.stats,
	}
}

// Close shuts the actor down: cancels any running turn, cancels any pending
// input request, and discards the remaining mailbox. Idempotent; closing a
// closed actor is a no-op. Close returns once the loop has exited.
func (a *Actor) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.state = models.StateClosed
		a.mu.Unlock()
		close(a.closed)
	})
	<-a.loopDone

	// Drain whatever arrived before the state flipped to Closed.
	for {
		select {
		case <-a.mailbox:
		default:
			return
		}
	}
}

// loop is the actor's sequential processing loop — the sole mailbox consumer.
// While a turn is running it keeps selecting on the mailbox so a new trigger
// is observed immediately and preempts rather than queueing.
func (a *Actor) loop() {
	defer close(a.loopDone)

	var current *turn
	for {
		if current == nil {
			select {
			case <-a.closed:
				return
			case trg := <-a.mailbox:
				current = a.startTurn(trg, a.generation.Add(1))
			}
			continue
		}

		select {
		case <-a.closed:
			a.interrupt(current, false)
			return
		case trg := <-a.mailbox:
			gen := a.interrupt(current, true)
			current = a.startTurn(trg, gen)
		case <-current.done:
			current = nil
		}
	}
}

// startTurn transitions to Processing and launches the backend turn on its
// own goroutine under gen. The generation advances exactly once per accepted
// trigger: the idle path bumps it here at the call site, the preemption path
// reuses the bump the interrupt already made.
func (a *Actor) startTurn(trigger *models.Trigger, gen uint64) *turn {
	a.mu.Lock()
	a.state = models.StateProcessing
	a.stats.MessageCount++
	a.stats.TurnCount++
	a.stats.LastActivity = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	t := &turn{
		gen:     gen,
		trigger: trigger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	a.logger.Debug("starting turn",
		"trigger", trigger.ID,
		"source", string(trigger.Source),
		"generation", gen)

	go a.runTurn(ctx, t)
	return t
}

// interrupt preempts the running turn and returns the advanced generation.
// The generation is advanced first so every side effect the old turn might
// still attempt fails its guard check, then any pending input request is
// cancelled (neither approved nor denied), then the turn's context is
// cancelled and the loop waits up to the grace period for acknowledgment.
// Non-termination within the grace period is logged and tolerated; the
// abandoned turn settles asynchronously behind the generation guard.
func (a *Actor) interrupt(t *turn, preempt bool) uint64 {
	gen := a.generation.Add(1)

	a.mu.Lock()
	if preempt {
		a.stats.InterruptCount++
	}
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	if pending != nil {
		pending.cancelRequest()
		a.logger.Info("cancelled pending input request on preemption",
			"request_id", pending.id)
	}
	if preempt {
		a.metrics.RecordInterrupt(a.platform)
	}

	t.cancel()

	grace := time.NewTimer(a.cfg.InterruptGrace)
	defer grace.Stop()
	select {
	case <-t.done:
	case <-grace.C:
		a.logger.Warn("interrupt grace period elapsed, proceeding",
			"generation", t.gen,
			"grace", a.cfg.InterruptGrace.String())
	}
	return gen
}

// currentGen reports whether gen is still the live generation. Every
// externally visible side effect of asynchronous turn work checks this
// immediately before acting; a mismatch means the turn was superseded and
// the effect is abandoned silently.
func (a *Actor) currentGen(gen uint64) bool {
	return a.generation.Load() == gen
}

// setState writes the actor state only if gen is still current and the actor
// is not closed. Returns whether the write happened.
func (a *Actor) setState(gen uint64, state models.SessionState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == models.StateClosed || !a.currentGen(gen) {
		return false
	}
	a.state = state
	return true
}

// runTurn executes one backend turn: it consumes the event stream, renders
// streaming output through the reply target, suspends on input requests, and
// records the terminal outcome. Every reply-target call and every stats
// mutation is generation-guarded. Panics from the backend or the reply
// target are recovered here; a failure in one actor never propagates.
func (a *Actor) runTurn(ctx context.Context, t *turn) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			a.turnFailed(ctx, t, fmt.Errorf("panic: %v", r))
		}
	}()

	started := time.Now()
	req := &agent.TurnRequest{
		SessionKey:       a.key,
		Prompt:           t.trigger.Prompt,
		Attachments:      t.trigger.Attachments,
		Workdir:          a.cfg.Workdir,
		BackendSessionID: a.currentBackendSessionID(),
	}

	events, err := a.backend.RunTurn(ctx, req)
	if err != nil {
		a.turnFailed(ctx, t, &agent.TurnError{Backend: a.backend.Name(), Err: err})
		return
	}

	stopTyping := a.startTyping(ctx, t.gen)
	defer stopTyping()

	st := &streamState{}
	for ev := range events {
		switch ev.Type {
		case agent.EventTextDelta:
			st.text.WriteString(ev.Text)
			a.flushStream(ctx, t.gen, st, false)

		case agent.EventAction:
			a.logger.Debug("backend action",
				"action", ev.Action.Name,
				"detail", ev.Action.Detail,
				"generation", t.gen)

		case agent.EventInputRequest:
			if !a.awaitInput(ctx, t, ev.Input) {
				// Preempted or closed while suspended; keep draining so
				// the backend can settle, but nothing we do from here on
				// passes the generation guard.
				continue
			}

		case agent.EventResult:
			a.turnSucceeded(ctx, t, st, ev.Result, time.Since(started))
			return

		case agent.EventError:
			a.turnFailed(ctx, t, &agent.TurnError{Backend: a.backend.Name(), Err: ev.Err})
			return
		}
	}

	// Stream closed without a terminal event: an interrupted turn exits
	// quietly, anything else is a backend contract violation.
	if ctx.Err() != nil {
		a.logger.Debug("turn cancelled", "generation", t.gen)
		return
	}
	a.turnFailed(ctx, t, &agent.TurnError{
		Backend: a.backend.Name(),
		Err:     fmt.Errorf("event stream closed without result"),
	})
}

// streamState accumulates streamed text and tracks the message being edited.
type streamState struct {
	text     strings.Builder
	ref      *models.MessageRef
	lastEdit time.Time
}

// flushStream pushes accumulated text to the platform, throttled to the
// stream interval. The first flush sends a new message; subsequent flushes
// edit it in place when the platform supports edits.
func (a *Actor) flushStream(ctx context.Context, gen uint64, st *streamState, final bool) {
	caps := a.reply.Capabilities()
	text := st.text.String()
	if text == "" {
		return
	}
	if !final {
		if !caps.CanEdit {
			// Without edits there is nothing to update incrementally;
			// the full text goes out once at the end.
			return
		}
		if time.Since(st.lastEdit) < a.cfg.StreamInterval {
			return
		}
	}
	if !a.currentGen(gen) {
		return
	}

	if st.ref == nil {
		ref, err := a.reply.Send(ctx, models.Message{Text: text})
		if err != nil {
			a.logger.Warn("streaming send failed", "error", err)
			return
		}
		st.ref = &ref
		st.lastEdit = time.Now()
		return
	}
	if err := a.reply.Edit(ctx, *st.ref, models.Message{Text: text}); err != nil {
		a.logger.Warn("streaming edit failed", "error", err)
		return
	}
	st.lastEdit = time.Now()
}

// startTyping shows and periodically refreshes the typing indicator while
// the turn is in flight. Returns a stop function.
func (a *Actor) startTyping(ctx context.Context, gen uint64) func() {
	if !a.reply.Capabilities().CanTyping {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.cfg.TypingInterval)
		defer ticker.Stop()
		for {
			// No refresh while suspended on an input request: the actor is
			// waiting on the user, not typing.
			if a.currentGen(gen) && !a.awaitingInput() {
				if err := a.reply.Typing(ctx); err != nil {
					a.logger.Debug("typing indicator failed", "error", err)
				}
			}
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// awaitInput suspends the turn on an input request: the actor transitions to
// AwaitingInput, the question goes out to the user, and the turn blocks until
// ResolveInput supplies an answer or the request is cancelled by preemption.
// Returns true when the turn resumed with an answer.
func (a *Actor) awaitInput(ctx context.Context, t *turn, req *agent.InputRequest) bool {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p := &pendingInput{
		id:        req.ID,
		resolved:  make(chan string, 1),
		cancelled: make(chan struct{}),
	}

	a.mu.Lock()
	if a.state == models.StateClosed || !a.currentGen(t.gen) {
		a.mu.Unlock()
		return false
	}
	a.state = models.StateAwaitingInput
	a.pending = p
	a.mu.Unlock()

	a.sendInputPrompt(ctx, t.gen, req)

	select {
	case answer := <-p.resolved:
		if !a.currentGen(t.gen) {
			return false
		}
		a.setState(t.gen, models.StateProcessing)
		select {
		case req.Answer <- answer:
		default:
		}
		a.logger.Info("input request resolved", "request_id", req.ID)
		return true
	case <-p.cancelled:
		return false
	case <-ctx.Done():
		return false
	}
}

// sendInputPrompt surfaces the question to the user, with buttons when the
// platform supports them and the request carries options.
func (a *Actor) sendInputPrompt(ctx context.Context, gen uint64, req *agent.InputRequest) {
	if !a.currentGen(gen) {
		return
	}
	caps := a.reply.Capabilities()
	msg := models.Message{Text: req.Prompt}

	if caps.CanButtons && len(req.Options) > 0 {
		perRow := caps.MaxButtonsPerRow
		if perRow <= 0 {
			perRow = len(req.Options)
		}
		var rows []models.ButtonRow
		for start := 0; start < len(req.Options); start += perRow {
			end := min(start+perRow, len(req.Options))
			row := models.ButtonRow{}
			for _, opt := range req.Options[start:end] {
				row.Buttons = append(row.Buttons, models.Button{
					Text:       opt,
					CallbackID: req.ID + ":" + opt,
				})
			}
			rows = append(rows, row)
		}
		if _, err := a.reply.SendButtons(ctx, msg, rows); err != nil {
			a.logger.Warn("input prompt send failed", "error", err)
		}
		return
	}
	if _, err := a.reply.Send(ctx, msg); err != nil {
		a.logger.Warn("input prompt send failed", "error", err)
	}
}

// turnSucceeded finalizes a completed turn: delivers the final text, bumps
// counters, records the backend session ID, and returns the actor to Idle.
// All of it gated on the generation still being current.
func (a *Actor) turnSucceeded(ctx context.Context, t *turn, st *streamState, result *agent.TurnResult, elapsed time.Duration) {
	if result.Text != "" && result.Text != st.text.String() {
		st.text.Reset()
		st.text.WriteString(result.Text)
	}
	a.flushStream(ctx, t.gen, st, true)

	if !a.currentGen(t.gen) {
		return
	}

	a.mu.Lock()
	stale := a.state == models.StateClosed || !a.currentGen(t.gen)
	if !stale {
		a.stats.LastActivity = time.Now()
		if result.BackendSessionID != "" {
			a.backendSessionID = result.BackendSessionID
		}
		if a.state != models.StateClosed {
			a.state = models.StateIdle
		}
	}
	a.mu.Unlock()
	if stale {
		return
	}

	a.metrics.RecordTurn(a.platform, "success", elapsed)
	a.logger.Info("turn completed",
		"generation", t.gen,
		"duration", elapsed.String(),
		"output_tokens", result.OutputTokens)

	if a.onResult != nil {
		a.onResult(result)
	}
}

// turnFailed contains a turn-level failure: the error is counted, reported
// to the user best-effort, and the actor returns to Idle awaiting the next
// trigger. Failed turns are never retried automatically.
func (a *Actor) turnFailed(ctx context.Context, t *turn, err error) {
	if ctx.Err() != nil && !a.currentGen(t.gen) {
		// Interrupted, not failed.
		return
	}

	a.mu.Lock()
	stale := a.state == models.StateClosed || !a.currentGen(t.gen)
	if !stale {
		a.stats.ErrorCount++
		a.state = models.StateIdle
	}
	a.mu.Unlock()
	if stale {
		return
	}

	a.metrics.RecordTurn(a.platform, "error", 0)
	a.metrics.RecordError("actor", "turn")
	a.logger.Error("turn failed", "generation", t.gen, "error", err)

	if _, sendErr := a.reply.Send(ctx, models.Message{
		Text: fmt.Sprintf("Something went wrong with that message: %v", err),
	}); sendErr != nil {
		a.logger.Warn("failed to report turn error to user", "error", sendErr)
	}
}

func (a *Actor) awaitingInput() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == models.StateAwaitingInput
}

func (a *Actor) currentBackendSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backendSessionID
}

// pendingInput is the single-resolution handle for a suspended input
// request. It resolves or cancels exactly once; a cancelled request is
// neither approved nor denied.
type pendingInput struct {
	id        string
	resolved  chan string
	cancelled chan struct{}
	once      sync.Once
}

// resolve delivers the answer. Returns false if the request had already
// been resolved or cancelled.
func (p *pendingInput) resolve(answer string) bool {
	done := false
	p.once.Do(func() {
		p.resolved <- answer
		done = true
	})
	return done
}

// cancelRequest abandons the request without an answer.
func (p *pendingInput) cancelRequest() {
	p.once.Do(func() {
		close(p.cancelled)
	})
}
