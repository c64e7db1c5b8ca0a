package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/haasonsaas/switchboard/internal/dispatch"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Seeder adapts the store to the dispatcher's persistence hook: persisted
// backend conversations are restored when an actor is created and refreshed
// after every successful turn.
type Seeder struct {
	store  *Store
	logger *slog.Logger
}

// NewSeeder wraps a store for use as a dispatch.Seeder.
func NewSeeder(s *Store) *Seeder {
	return &Seeder{store: s, logger: s.logger}
}

// Seed returns persisted session context for the key, if any.
func (s *Seeder) Seed(ctx context.Context, key models.SessionKey) (dispatch.SessionSeed, bool) {
	sess, err := s.store.Get(ctx, string(key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("session seed lookup failed", "session_key", string(key), "error", err)
		}
		return dispatch.SessionSeed{}, false
	}
	return dispatch.SessionSeed{
		BackendSessionID: sess.BackendSessionID,
		Workdir:          sess.Workdir,
	}, true
}

// Record persists the session context after a successful turn. Failures are
// logged, never surfaced: persistence is best-effort and must not disturb
// the session.
func (s *Seeder) Record(ctx context.Context, key models.SessionKey, seed dispatch.SessionSeed) {
	err := s.store.Upsert(ctx, &Session{
		SessionKey:       string(key),
		BackendSessionID: seed.BackendSessionID,
		Workdir:          seed.Workdir,
		Platform:         string(key.Platform()),
	})
	if err != nil {
		s.logger.Warn("session persist failed", "session_key", string(key), "error", err)
	}
}
