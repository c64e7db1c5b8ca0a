package store

import (
	"context"
	"testing"

	"github.com/haasonsaas/switchboard/internal/dispatch"
)

func TestSeederRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seeder := NewSeeder(s)
	ctx := context.Background()

	if _, ok := seeder.Seed(ctx, "telegram:10:20"); ok {
		t.Fatal("Seed() for unknown key reported a seed")
	}

	seeder.Record(ctx, "telegram:10:20", dispatch.SessionSeed{
		BackendSessionID: "conv-7",
		Workdir:          "/srv/project",
	})

	seed, ok := seeder.Seed(ctx, "telegram:10:20")
	if !ok {
		t.Fatal("Seed() after Record found nothing")
	}
	if seed.BackendSessionID != "conv-7" {
		t.Errorf("BackendSessionID = %q, want %q", seed.BackendSessionID, "conv-7")
	}
	if seed.Workdir != "/srv/project" {
		t.Errorf("Workdir = %q, want %q", seed.Workdir, "/srv/project")
	}

	// Record is best-effort: an invalid seed is logged, not surfaced.
	seeder.Record(ctx, "telegram:10:20", dispatch.SessionSeed{})
}
