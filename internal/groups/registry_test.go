package groups

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store/storetest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadSkipsInvalidGroups(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	if err := s.UpsertSyncGroup(ctx, &model.SyncGroup{
		ID: "good", TickRate: 100 * time.Millisecond, RetentionDepth: 5,
		ReadAccess: model.AccessPublic, WriteAccess: model.AccessMembers,
	}); err != nil {
		t.Fatal(err)
	}
	// Retention below 2 leaves nothing to diff against; the group must be
	// skipped without failing the load.
	if err := s.UpsertSyncGroup(ctx, &model.SyncGroup{
		ID: "bad", TickRate: 100 * time.Millisecond, RetentionDepth: 1,
		ReadAccess: model.AccessPublic, WriteAccess: model.AccessMembers,
	}); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(s, quietLogger())
	if err := r.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := r.Get("good"); err != nil {
		t.Errorf("valid group missing: %v", err)
	}
	if _, err := r.Get("bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("invalid group should be skipped, got %v", err)
	}
	if got := len(r.All()); got != 1 {
		t.Errorf("expected 1 group, got %d", got)
	}
}

func TestGetUnknownGroup(t *testing.T) {
	r := NewRegistry(storetest.New(), quietLogger())
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRefreshPicksUpNewGroups(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	r := NewRegistry(s, quietLogger())
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(r.All()); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}

	if err := s.UpsertSyncGroup(ctx, &model.SyncGroup{
		ID: "arena-1", TickRate: 50 * time.Millisecond, RetentionDepth: 3,
		ReadAccess: model.AccessMembers, WriteAccess: model.AccessMembers,
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	g, err := r.Get("arena-1")
	if err != nil {
		t.Fatalf("refreshed group missing: %v", err)
	}
	if g.TickRate != 50*time.Millisecond || g.RetentionDepth != 3 {
		t.Errorf("unexpected group config: %+v", g)
	}
}
