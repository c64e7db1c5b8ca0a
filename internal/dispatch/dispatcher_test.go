package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/transport"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// fakeListener serves one platform and hands out a shared fake reply target.
type fakeListener struct {
	platform models.Platform
	reply    *fakeReply

	mu        sync.Mutex
	started   bool
	stopped   bool
	onTrigger transport.TriggerFunc
	targets   int
}

func newFakeListener(platform models.Platform) *fakeListener {
	return &fakeListener{platform: platform, reply: newFakeReply()}
}

func (l *fakeListener) Platform() models.Platform { return l.platform }

func (l *fakeListener) Start(ctx context.Context, onTrigger transport.TriggerFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	l.onTrigger = onTrigger
	return nil
}

func (l *fakeListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	return nil
}

func (l *fakeListener) CreateReplyTarget(replyContext map[string]any) (transport.ReplyTarget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targets++
	return l.reply, nil
}

func (l *fakeListener) targetCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.targets
}

// memorySeeder is an in-memory dispatch.Seeder.
type memorySeeder struct {
	mu    sync.Mutex
	seeds map[models.SessionKey]SessionSeed
}

func newMemorySeeder() *memorySeeder {
	return &memorySeeder{seeds: make(map[models.SessionKey]SessionSeed)}
}

func (s *memorySeeder) Seed(ctx context.Context, key models.SessionKey) (SessionSeed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seed, ok := s.seeds[key]
	return seed, ok
}

func (s *memorySeeder) Record(ctx context.Context, key models.SessionKey, seed SessionSeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds[key] = seed
}

func newTestDispatcher(t *testing.T, backend agent.Backend, seeder Seeder, cfg Config) (*Dispatcher, *fakeListener) {
	t.Helper()
	d := New(cfg, backend, seeder, nil, nil)
	listener := newFakeListener(models.PlatformTelegram)
	if err := d.RegisterListener(listener); err != nil {
		t.Fatalf("RegisterListener() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d, listener
}

func TestRegisterListenerConflict(t *testing.T) {
	t.Parallel()

	d := New(Config{}, &fakeBackend{}, nil, nil, nil)
	if err := d.RegisterListener(newFakeListener(models.PlatformTelegram)); err != nil {
		t.Fatalf("first RegisterListener() error = %v", err)
	}
	err := d.RegisterListener(newFakeListener(models.PlatformTelegram))
	if !errors.Is(err, ErrListenerConflict) {
		t.Fatalf("duplicate RegisterListener() error = %v, want ErrListenerConflict", err)
	}
}

func TestRouteTriggerCreatesActorOnce(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	d, listener := newTestDispatcher(t, backend, nil, Config{})

	key, _ := models.NewSessionKey(models.PlatformTelegram, "777", "")

	// Concurrent triggers for the same brand-new key must converge on a
	// single actor with a single reply target.
	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.RouteTrigger(testTrigger(key, "hello"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("RouteTrigger()[%d] error = %v", i, err)
		}
	}
	if got := len(d.Sessions()); got != 1 {
		t.Errorf("len(Sessions()) = %d, want 1", got)
	}
	if got := listener.targetCount(); got != 1 {
		t.Errorf("reply targets created = %d, want 1", got)
	}
}

// Mirrors the documented interrupt walkthrough: a second trigger for
// telegram:10:20 lands mid-turn, cancels the first turn, and both triggers
// are accounted for when the actor settles.
func TestInterruptWalkthrough(t *testing.T) {
	t.Parallel()

	firstStarted := make(chan struct{})
	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			close(firstStarted)
			<-ctx.Done()
		},
		instantResult,
	}}
	d, listener := newTestDispatcher(t, backend, nil, Config{
		Actor: ActorConfig{InterruptGrace: 100 * time.Millisecond},
	})

	key, _ := models.NewSessionKey(models.PlatformTelegram, "10", "20")
	if string(key) != "telegram:10:20" {
		t.Fatalf("key = %q, want %q", key, "telegram:10:20")
	}

	if _, err := d.RouteTrigger(testTrigger(key, "trigger A")); err != nil {
		t.Fatalf("RouteTrigger(A) error = %v", err)
	}
	<-firstStarted

	info, err := d.Session(key)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if info.State != models.StateProcessing {
		t.Fatalf("state during turn = %q, want %q", info.State, models.StateProcessing)
	}

	if _, err := d.RouteTrigger(testTrigger(key, "trigger B")); err != nil {
		t.Fatalf("RouteTrigger(B) error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		info, err := d.Session(key)
		return err == nil && info.State == models.StateIdle && info.Stats.TurnCount == 2
	})

	info, _ = d.Session(key)
	if info.Stats.InterruptCount != 1 {
		t.Errorf("InterruptCount = %d, want 1", info.Stats.InterruptCount)
	}
	if info.Stats.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", info.Stats.MessageCount)
	}
	if !listener.reply.sawText("echo: trigger B") {
		t.Errorf("trigger B output missing, sends = %v", listener.reply.sentTexts())
	}
}

func TestRouteTriggerUnroutablePlatform(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, &fakeBackend{}, nil, Config{})

	key, _ := models.NewSessionKey("slack", "C123", "")
	trigger := testTrigger(key, "hello from slack")
	trigger.Platform = "slack"

	_, err := d.RouteTrigger(trigger)
	if !errors.Is(err, ErrNoListener) {
		t.Fatalf("RouteTrigger() error = %v, want ErrNoListener", err)
	}
	if got := len(d.Sessions()); got != 0 {
		t.Errorf("len(Sessions()) after unroutable trigger = %d, want 0", got)
	}
}

func TestRouteTriggerInvalidKey(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, &fakeBackend{}, nil, Config{})

	trigger := &models.Trigger{ID: "t", Platform: models.PlatformTelegram}
	_, err := d.RouteTrigger(trigger)
	var keyErr *models.InvalidKeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("RouteTrigger() error = %v, want InvalidKeyError", err)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	blockers := make(chan struct{})
	backend := &fakeBackend{script: []turnFunc{
		func(ctx context.Context, req *agent.TurnRequest, events chan<- agent.Event) {
			// First session's turn hangs until released.
			select {
			case <-blockers:
			case <-ctx.Done():
				return
			}
			events <- agent.Event{Type: agent.EventResult, Result: &agent.TurnResult{Text: "slow done"}}
		},
		instantResult,
	}}
	d, _ := newTestDispatcher(t, backend, nil, Config{})

	slowKey, _ := models.NewSessionKey(models.PlatformTelegram, "1", "")
	fastKey, _ := models.NewSessionKey(models.PlatformTelegram, "2", "")

	if _, err := d.RouteTrigger(testTrigger(slowKey, "slow")); err != nil {
		t.Fatalf("RouteTrigger(slow) error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return backend.requestCount() == 1 })

	// The second session completes while the first is still mid-turn.
	if _, err := d.RouteTrigger(testTrigger(fastKey, "fast")); err != nil {
		t.Fatalf("RouteTrigger(fast) error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		info, err := d.Session(fastKey)
		return err == nil && info.Stats.TurnCount == 1 && info.State == models.StateIdle
	})

	info, _ := d.Session(slowKey)
	if info.State != models.StateProcessing {
		t.Errorf("slow session state = %q, want %q", info.State, models.StateProcessing)
	}
	close(blockers)
}

func TestResolveInputUnknownSession(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, &fakeBackend{}, nil, Config{})
	key, _ := models.NewSessionKey(models.PlatformTelegram, "404", "")
	if err := d.ResolveInput(key, "req", "yes"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ResolveInput() error = %v, want ErrSessionNotFound", err)
	}
}

func TestCloseSessionThenRecreate(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	d, _ := newTestDispatcher(t, backend, nil, Config{})

	key, _ := models.NewSessionKey(models.PlatformTelegram, "55", "")
	if _, err := d.RouteTrigger(testTrigger(key, "first")); err != nil {
		t.Fatalf("RouteTrigger() error = %v", err)
	}
	if err := d.CloseSession(key); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if err := d.CloseSession(key); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second CloseSession() error = %v, want ErrSessionNotFound", err)
	}

	// A new trigger for the same key builds a fresh actor.
	if _, err := d.RouteTrigger(testTrigger(key, "reborn")); err != nil {
		t.Fatalf("RouteTrigger() after close error = %v", err)
	}
	info, err := d.Session(key)
	if err != nil {
		t.Fatalf("Session() after recreate error = %v", err)
	}
	if info.State == models.StateClosed {
		t.Error("recreated session is closed")
	}
}

func TestEvictIdle(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	d, _ := newTestDispatcher(t, backend, nil, Config{
		IdleTimeout: 30 * time.Millisecond,
	})

	key, _ := models.NewSessionKey(models.PlatformTelegram, "9", "")
	if _, err := d.RouteTrigger(testTrigger(key, "hi")); err != nil {
		t.Fatalf("RouteTrigger() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		info, err := d.Session(key)
		return err == nil && info.State == models.StateIdle
	})

	if n := d.EvictIdle(); n != 0 {
		t.Fatalf("EvictIdle() before timeout = %d, want 0", n)
	}

	time.Sleep(50 * time.Millisecond)
	if n := d.EvictIdle(); n != 1 {
		t.Fatalf("EvictIdle() after timeout = %d, want 1", n)
	}
	if _, err := d.Session(key); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Session() after eviction error = %v, want ErrSessionNotFound", err)
	}
}

func TestEvictIdleDisabled(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	d, _ := newTestDispatcher(t, backend, nil, Config{})

	key, _ := models.NewSessionKey(models.PlatformTelegram, "9", "")
	if _, err := d.RouteTrigger(testTrigger(key, "hi")); err != nil {
		t.Fatalf("RouteTrigger() error = %v", err)
	}
	if n := d.EvictIdle(); n != 0 {
		t.Errorf("EvictIdle() with eviction disabled = %d, want 0", n)
	}
}

func TestSeederRestoreAndRecord(t *testing.T) {
	t.Parallel()

	seeder := newMemorySeeder()
	key, _ := models.NewSessionKey(models.PlatformTelegram, "88", "")
	seeder.Record(context.Background(), key, SessionSeed{
		BackendSessionID: "resume-me",
		Workdir:          "/srv/project",
	})

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	d, _ := newTestDispatcher(t, backend, seeder, Config{})

	if _, err := d.RouteTrigger(testTrigger(key, "welcome back")); err != nil {
		t.Fatalf("RouteTrigger() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return backend.requestCount() == 1 })

	req := backend.request(0)
	if req.BackendSessionID != "resume-me" {
		t.Errorf("BackendSessionID = %q, want %q", req.BackendSessionID, "resume-me")
	}
	if req.Workdir != "/srv/project" {
		t.Errorf("Workdir = %q, want %q", req.Workdir, "/srv/project")
	}

	// After the turn the seeder holds the backend's session ID.
	waitFor(t, time.Second, func() bool {
		seed, ok := seeder.Seed(context.Background(), key)
		return ok && seed.BackendSessionID == "backend-1"
	})
}

func TestStopClosesSessionsAndListeners(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	d := New(Config{DrainGrace: time.Second}, backend, nil, nil, nil)
	listener := newFakeListener(models.PlatformTelegram)
	if err := d.RegisterListener(listener); err != nil {
		t.Fatalf("RegisterListener() error = %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	key, _ := models.NewSessionKey(models.PlatformTelegram, "1", "")
	if _, err := d.RouteTrigger(testTrigger(key, "hi")); err != nil {
		t.Fatalf("RouteTrigger() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := len(d.Sessions()); got != 0 {
		t.Errorf("len(Sessions()) after Stop = %d, want 0", got)
	}
	listener.mu.Lock()
	stopped := listener.stopped
	listener.mu.Unlock()
	if !stopped {
		t.Error("listener was not stopped")
	}
}

func TestListenerTriggersFlowThroughDispatcher(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{script: []turnFunc{instantResult}}
	d, listener := newTestDispatcher(t, backend, nil, Config{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	listener.mu.Lock()
	onTrigger := listener.onTrigger
	listener.mu.Unlock()
	if onTrigger == nil {
		t.Fatal("listener did not receive a trigger callback")
	}

	key, _ := models.NewSessionKey(models.PlatformTelegram, "31", "")
	onTrigger(testTrigger(key, "via listener"))

	waitFor(t, time.Second, func() bool {
		info, err := d.Session(key)
		return err == nil && info.Stats.TurnCount == 1
	})
	if !listener.reply.sawText("echo: via listener") {
		t.Errorf("reply output missing, sends = %v", listener.reply.sentTexts())
	}
}
