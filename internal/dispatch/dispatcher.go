// Package dispatch is the trigger-dispatch and session-actor core: it maps
// every inbound event to exactly one isolated conversation actor, enforces
// the preemptive-interrupt discipline (a new event cancels the in-flight turn
// of its session, never queues behind it), and guarantees that cancelled or
// stale work cannot corrupt the visible state of a session that has moved on.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/transport"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// defaultDrainGrace bounds how long Stop waits for all actors to close
// gracefully before force-cancelling stragglers.
const defaultDrainGrace = 10 * time.Second

// Config tunes the dispatcher and the actors it creates.
type Config struct {
	// Actor is the per-actor configuration template. Workdir and
	// BackendSessionID are filled in per session at creation time.
	Actor ActorConfig

	// DrainGrace bounds graceful shutdown of all sessions in Stop.
	DrainGrace time.Duration

	// IdleTimeout is the inactivity threshold for EvictIdle. Zero disables
	// idle eviction.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	return c
}

// SessionSeed supplies persisted context when an actor is created for a key
// that has prior history: the backend conversation to resume and the working
// directory it was rooted in.
type SessionSeed struct {
	BackendSessionID string
	Workdir          string
}

// Seeder looks up persisted session context at actor creation and records
// it after successful turns. Implemented by the store package; optional.
type Seeder interface {
	Seed(ctx context.Context, key models.SessionKey) (SessionSeed, bool)
	Record(ctx context.Context, key models.SessionKey, seed SessionSeed)
}

// Dispatcher routes each trigger to the correct session actor, creating it
// exactly once if absent, and owns listener lifecycle. The registry lock is
// scoped to the create-or-find decision only — never to enqueue or turn
// processing — so one session's backlog cannot block another's creation.
type Dispatcher struct {
	cfg     Config
	backend agent.Backend
	seeder  Seeder
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	actors    map[models.SessionKey]*Actor
	listeners map[models.Platform]transport.Listener
	started   bool
}

// New constructs a dispatcher. backend is the shared agent backend handed to
// every actor; seeder may be nil.
func New(cfg Config, backend agent.Backend, seeder Seeder, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		backend:   backend,
		seeder:    seeder,
		logger:    logger.With("component", "dispatcher"),
		metrics:   metrics,
		actors:    make(map[models.SessionKey]*Actor),
		listeners: make(map[models.Platform]transport.Listener),
	}
}

// RegisterListener associates a platform tag with a transport listener.
// Duplicate registration for the same tag is a configuration error.
func (d *Dispatcher) RegisterListener(listener transport.Listener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	platform := listener.Platform()
	if _, exists := d.listeners[platform]; exists {
		return fmt.Errorf("%w: %s", ErrListenerConflict, platform)
	}
	d.listeners[platform] = listener
	return nil
}

// Start launches all registered listeners, each feeding RouteTrigger.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	listeners := make([]transport.Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.mu.Unlock()

	onTrigger := func(trigger *models.Trigger) {
		if _, err := d.RouteTrigger(trigger); err != nil {
			d.logger.Error("failed to route trigger",
				"trigger", trigger.ID,
				"platform", string(trigger.Platform),
				"error", err)
		}
	}
	for _, l := range listeners {
		if err := l.Start(ctx, onTrigger); err != nil {
			return fmt.Errorf("start %s listener: %w", l.Platform(), err)
		}
		d.logger.Info("listener started", "platform", string(l.Platform()))
	}
	return nil
}

// RouteTrigger delivers a trigger to its session actor, creating the actor
// first when none exists for the key. The call is non-blocking from the
// caller's perspective beyond the cost of the create-or-find lookup; full
// processing of the trigger happens asynchronously inside the actor.
//
// Returns ErrNoListener when no listener is registered for the trigger's
// platform; the trigger is dropped, not retried.
func (d *Dispatcher) RouteTrigger(trigger *models.Trigger) (models.SessionKey, error) {
	if trigger == nil {
		return "", fmt.Errorf("trigger is required")
	}
	if trigger.SessionKey == "" {
		return "", &models.InvalidKeyError{Platform: trigger.Platform, Reason: "session key is required"}
	}

	d.metrics.RecordTrigger(trigger.Platform, trigger.Source)

	actor, err := d.findOrCreate(trigger)
	if err != nil {
		return "", err
	}

	// Enqueue happens outside the registry lock. A Close racing with this
	// enqueue loses the actor; recreate once rather than failing the
	// trigger.
	if err := actor.Enqueue(trigger); err != nil {
		d.removeActor(trigger.SessionKey, actor)
		actor, err = d.findOrCreate(trigger)
		if err != nil {
			return "", err
		}
		if err := actor.Enqueue(trigger); err != nil {
			return "", err
		}
	}
	return trigger.SessionKey, nil
}

// findOrCreate returns the live actor for the trigger's key, constructing
// and starting one under the registry lock when absent. Creation is atomic
// with respect to concurrent triggers for the same new key: losers of the
// race find the winner's actor already registered.
func (d *Dispatcher) findOrCreate(trigger *models.Trigger) (*Actor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if actor, ok := d.actors[trigger.SessionKey]; ok {
		return actor, nil
	}

	listener, ok := d.listeners[trigger.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, trigger.Platform)
	}

	reply, err := listener.CreateReplyTarget(trigger.ReplyContext)
	if err != nil {
		return nil, fmt.Errorf("create reply target for %s: %w", trigger.SessionKey, err)
	}

	cfg := d.cfg.Actor
	if wd, ok := trigger.ReplyContext["workdir"].(string); ok && wd != "" {
		cfg.Workdir = wd
	}
	if d.seeder != nil {
		if seed, ok := d.seeder.Seed(context.Background(), trigger.SessionKey); ok {
			cfg.BackendSessionID = seed.BackendSessionID
			if cfg.Workdir == "" {
				cfg.Workdir = seed.Workdir
			}
			d.logger.Info("restored persisted session",
				"session_key", string(trigger.SessionKey))
		}
	}

	actor := NewActor(trigger.SessionKey, reply, d.backend, cfg, d.logger, d.metrics)
	if d.seeder != nil {
		key, workdir := trigger.SessionKey, cfg.Workdir
		actor.SetResultHook(func(result *agent.TurnResult) {
			if result.BackendSessionID == "" {
				return
			}
			d.seeder.Record(context.Background(), key, SessionSeed{
				BackendSessionID: result.BackendSessionID,
				Workdir:          workdir,
			})
		})
	}
	actor.Start()
	d.actors[trigger.SessionKey] = actor
	d.metrics.SetActiveSessions(trigger.Platform, d.countLocked(trigger.Platform))

	d.logger.Info("session created",
		"session_key", string(trigger.SessionKey),
		"platform", string(trigger.Platform))
	return actor, nil
}

// ResolveInput forwards a pending-input answer to the session's actor.
func (d *Dispatcher) ResolveInput(key models.SessionKey, requestID, answer string) error {
	d.mu.Lock()
	actor, ok := d.actors[key]
	d.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return actor.ResolveInput(requestID, answer)
}

// CloseSession closes and removes one session.
func (d *Dispatcher) CloseSession(key models.SessionKey) error {
	d.mu.Lock()
	actor, ok := d.actors[key]
	if ok {
		delete(d.actors, key)
	}
	d.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	actor.Close()
	d.metrics.SetActiveSessions(actor.platform, d.count(actor.platform))
	d.logger.Info("session closed", "session_key", string(key))
	return nil
}

// Sessions returns read-only snapshots of all live sessions.
func (d *Dispatcher) Sessions() []models.SessionInfo {
	d.mu.Lock()
	actors := make([]*Actor, 0, len(d.actors))
	for _, a := range d.actors {
		actors = append(actors, a)
	}
	d.mu.Unlock()

	infos := make([]models.SessionInfo, 0, len(actors))
	for _, a := range actors {
		infos = append(infos, a.Info())
	}
	return infos
}

// Session returns the snapshot for one key.
func (d *Dispatcher) Session(key models.SessionKey) (models.SessionInfo, error) {
	d.mu.Lock()
	actor, ok := d.actors[key]
	d.mu.Unlock()
	if !ok {
		return models.SessionInfo{}, ErrSessionNotFound
	}
	return actor.Info(), nil
}

// EvictIdle closes sessions whose last activity predates the configured idle
// timeout. Returns the number of sessions evicted. No-op when idle eviction
// is disabled.
func (d *Dispatcher) EvictIdle() int {
	if d.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-d.cfg.IdleTimeout)

	d.mu.Lock()
	var idle []*Actor
	for key, actor := range d.actors {
		info := actor.Info()
		if info.State == models.StateIdle && info.Stats.LastActivity.Before(cutoff) {
			idle = append(idle, actor)
			delete(d.actors, key)
		}
	}
	d.mu.Unlock()

	for _, actor := range idle {
		actor.Close()
		d.metrics.SetActiveSessions(actor.platform, d.count(actor.platform))
		d.logger.Info("evicted idle session", "session_key", string(actor.Key()))
	}
	return len(idle)
}

// Stop shuts everything down: every actor is signalled to close and given a
// bounded grace period to drain, stragglers are abandoned to their own
// generation guards, then all listeners are stopped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	actors := make([]*Actor, 0, len(d.actors))
	for _, a := range d.actors {
		actors = append(actors, a)
	}
	d.actors = make(map[models.SessionKey]*Actor)
	listeners := make([]transport.Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.started = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, actor := range actors {
			wg.Add(1)
			go func(a *Actor) {
				defer wg.Done()
				a.Close()
			}(actor)
		}
		wg.Wait()
		close(done)
	}()

	drain := time.NewTimer(d.cfg.DrainGrace)
	defer drain.Stop()
	select {
	case <-done:
	case <-drain.C:
		d.logger.Warn("drain grace period elapsed with sessions still closing",
			"grace", d.cfg.DrainGrace.String())
	case <-ctx.Done():
	}

	var lastErr error
	for _, l := range listeners {
		if err := l.Stop(ctx); err != nil {
			d.logger.Error("listener stop failed",
				"platform", string(l.Platform()),
				"error", err)
			lastErr = err
		}
	}
	return lastErr
}

// removeActor deletes the registry entry only if it still maps to the given
// actor, so a racing recreation is not clobbered.
func (d *Dispatcher) removeActor(key models.SessionKey, actor *Actor) {
	d.mu.Lock()
	if d.actors[key] == actor {
		delete(d.actors, key)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) count(platform models.Platform) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.countLocked(platform)
}

func (d *Dispatcher) countLocked(platform models.Platform) int {
	n := 0
	for key := range d.actors {
		if key.Platform() == platform {
			n++
		}
	}
	return n
}
