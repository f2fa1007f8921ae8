package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestCaptureSnapshotTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	group := &model.SyncGroup{
		ID:             "arena-1",
		TickRate:       250 * time.Millisecond,
		RetentionDepth: 5,
	}
	prevStart := time.Now().Add(-250 * time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("arena-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM world_ticks`).
		WithArgs("arena-1", 5).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(tick_number\), 0\) \+ 1`).
		WithArgs("arena-1").
		WillReturnRows(sqlmock.NewRows([]string{"tick_number", "start_time"}).
			AddRow(int64(4), prevStart))
	mock.ExpectQuery(`INSERT INTO world_ticks`).
		WithArgs("arena-1", int64(4), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`INSERT INTO entity_snapshots`).
		WithArgs(int64(42), "arena-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO script_snapshots`).
		WithArgs(int64(42), "arena-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO asset_snapshots`).
		WithArgs(int64(42), "arena-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE world_ticks SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tick, err := s.CaptureSnapshot(context.Background(), group)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.ID != 42 || tick.TickNumber != 4 {
		t.Errorf("unexpected tick identity: id=%d number=%d", tick.ID, tick.TickNumber)
	}
	if tick.EntityCount != 3 || tick.ScriptCount != 1 || tick.AssetCount != 0 {
		t.Errorf("unexpected counts: %d/%d/%d",
			tick.EntityCount, tick.ScriptCount, tick.AssetCount)
	}
	if tick.SincePrevious <= 0 {
		t.Errorf("expected positive gap to previous tick, got %v", tick.SincePrevious)
	}
	if tick.EndTime.Before(tick.StartTime) {
		t.Error("end time precedes start time")
	}
}

func TestCaptureSnapshotFirstTickHasNoGap(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	group := &model.SyncGroup{ID: "arena-1", TickRate: time.Second, RetentionDepth: 2}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM world_ticks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(tick_number\), 0\) \+ 1`).
		WillReturnRows(sqlmock.NewRows([]string{"tick_number", "start_time"}).
			AddRow(int64(1), nil))
	mock.ExpectQuery(`INSERT INTO world_ticks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO entity_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO script_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO asset_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE world_ticks SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tick, err := s.CaptureSnapshot(context.Background(), group)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.TickNumber != 1 {
		t.Errorf("expected tick number 1, got %d", tick.TickNumber)
	}
	if tick.SincePrevious != 0 {
		t.Errorf("expected zero gap on first tick, got %v", tick.SincePrevious)
	}
}

func TestCaptureSnapshotRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	group := &model.SyncGroup{ID: "arena-1", TickRate: time.Second, RetentionDepth: 2}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM world_ticks`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.CaptureSnapshot(context.Background(), group)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "prune ticks") {
		t.Errorf("expected prune context in error, got %v", err)
	}
}

func TestGetSyncGroup(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM sync_groups WHERE id = \$1`).
		WithArgs("arena-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tick_rate_ms", "retention_depth", "read_access", "write_access",
			"created_at", "updated_at",
		}).AddRow("arena-1", int64(250), 5, "members", "members", now, now))

	g, err := s.GetSyncGroup(context.Background(), "arena-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.TickRate != 250*time.Millisecond {
		t.Errorf("expected tick rate 250ms, got %v", g.TickRate)
	}
	if g.RetentionDepth != 5 || g.ReadAccess != model.AccessMembers {
		t.Errorf("unexpected group: %+v", g)
	}
}

func TestGetSyncGroupNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectQuery(`SELECT .+ FROM sync_groups WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetSyncGroup(context.Background(), "ghost")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestTicksNewestFirst(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	now := time.Now()
	cols := []string{
		"id", "group_id", "tick_number", "start_time", "end_time", "duration_ns",
		"entity_count", "script_count", "asset_count", "is_delayed",
		"headroom_ns", "since_previous_ns",
	}
	mock.ExpectQuery(`SELECT .+ FROM world_ticks WHERE group_id = \$1 ORDER BY tick_number DESC`).
		WithArgs("arena-1", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(9), "arena-1", int64(5), now, now, int64(3e6), 10, 2, 1, false, int64(247e6), int64(250e6)).
			AddRow(int64(8), "arena-1", int64(4), now, now, int64(2e6), 10, 2, 1, false, int64(248e6), int64(250e6)))

	ticks, err := s.LatestTicks(context.Background(), "arena-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].TickNumber != 5 || ticks[1].TickNumber != 4 {
		t.Errorf("unexpected order: %d, %d", ticks[0].TickNumber, ticks[1].TickNumber)
	}
	if ticks[0].Duration != 3*time.Millisecond {
		t.Errorf("unexpected duration: %v", ticks[0].Duration)
	}
}

func TestReadableGroups(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectQuery(`SELECT id FROM sync_groups WHERE read_access = 'public'`).
		WithArgs("agent-7").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("arena-1").AddRow("lobby"))

	ids, err := s.ReadableGroups(context.Background(), "agent-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "arena-1" || ids[1] != "lobby" {
		t.Errorf("unexpected group ids: %v", ids)
	}
}

func TestDeleteEntityNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectExec(`DELETE FROM entities WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteEntity(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchSessionInactive(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	at := time.Now()
	mock.ExpectExec(`UPDATE sessions SET last_seen_at = \$2 WHERE id = \$1 AND active`).
		WithArgs("sess-gone", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.TouchSession(context.Background(), "sess-gone", at); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO providers`).
		WithArgs("platform", "secret", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.RunInTransaction(context.Background(), func(tx store.Store) error {
		if err := tx.UpsertProvider(context.Background(), &model.Provider{
			Name: "platform", Secret: "secret",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}
