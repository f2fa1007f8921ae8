package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianworks/worldsync/internal/model"
)

// captureSnapshot performs one capture cycle for a group. It must run inside
// a transaction: the advisory lock below is transaction-scoped and releases
// on commit or rollback. The lock serializes tick_number allocation per
// group, so no two concurrent captures can observe the same previous max.
func captureSnapshot(ctx context.Context, db executor, group *model.SyncGroup) (*model.WorldTick, error) {
	if _, err := db.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, group.ID); err != nil {
		return nil, fmt.Errorf("acquire group lock: %w", err)
	}

	// Prune the oldest ticks so that, after this capture, at most
	// retention_depth ticks remain. Snapshots cascade with their tick.
	if _, err := db.ExecContext(ctx, `
		DELETE FROM world_ticks
		WHERE group_id = $1
		  AND tick_number <= (
			SELECT COALESCE(MAX(tick_number), 0) - $2 + 1
			FROM world_ticks WHERE group_id = $1
		  )`,
		group.ID, group.RetentionDepth,
	); err != nil {
		return nil, fmt.Errorf("prune ticks: %w", err)
	}

	var (
		tickNumber int64
		prevStart  sql.NullTime
	)
	if err := db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(tick_number), 0) + 1, MAX(start_time)
		FROM world_ticks WHERE group_id = $1`,
		group.ID,
	).Scan(&tickNumber, &prevStart); err != nil {
		return nil, fmt.Errorf("allocate tick number: %w", err)
	}

	start := time.Now().UTC()
	tick := &model.WorldTick{
		GroupID:    group.ID,
		TickNumber: tickNumber,
		StartTime:  start,
	}

	if err := db.QueryRowContext(ctx, `
		INSERT INTO world_ticks (group_id, tick_number, start_time)
		VALUES ($1, $2, $3)
		RETURNING id`,
		group.ID, tickNumber, start,
	).Scan(&tick.ID); err != nil {
		return nil, fmt.Errorf("insert world tick: %w", err)
	}

	entityCount, err := copySnapshots(ctx, db, `
		INSERT INTO entity_snapshots (tick_id, record_id, group_id, name, archetype, transform, payload, updated_at)
		SELECT $1, id, group_id, name, archetype, transform, payload, updated_at
		FROM entities WHERE group_id = $2`,
		tick.ID, group.ID)
	if err != nil {
		return nil, fmt.Errorf("snapshot entities: %w", err)
	}

	scriptCount, err := copySnapshots(ctx, db, `
		INSERT INTO script_snapshots (tick_id, record_id, group_id, entity_id, name, source_hash, bytecode, enabled, updated_at)
		SELECT $1, id, group_id, entity_id, name, source_hash, bytecode, enabled, updated_at
		FROM scripts WHERE group_id = $2`,
		tick.ID, group.ID)
	if err != nil {
		return nil, fmt.Errorf("snapshot scripts: %w", err)
	}

	assetCount, err := copySnapshots(ctx, db, `
		INSERT INTO asset_snapshots (tick_id, record_id, group_id, name, media_type, size_bytes, checksum, blob_ref, updated_at)
		SELECT $1, id, group_id, name, media_type, size_bytes, checksum, blob_ref, updated_at
		FROM assets WHERE group_id = $2`,
		tick.ID, group.ID)
	if err != nil {
		return nil, fmt.Errorf("snapshot assets: %w", err)
	}

	end := time.Now().UTC()
	tick.EndTime = end
	tick.Duration = end.Sub(start)
	tick.EntityCount = entityCount
	tick.ScriptCount = scriptCount
	tick.AssetCount = assetCount
	tick.IsDelayed = tick.Duration > group.TickRate
	tick.Headroom = group.TickRate - tick.Duration
	if prevStart.Valid {
		tick.SincePrevious = start.Sub(prevStart.Time)
	}

	if _, err := db.ExecContext(ctx, `
		UPDATE world_ticks SET
			end_time = $2,
			duration_ns = $3,
			entity_count = $4,
			script_count = $5,
			asset_count = $6,
			is_delayed = $7,
			headroom_ns = $8,
			since_previous_ns = $9
		WHERE id = $1`,
		tick.ID,
		end,
		tick.Duration.Nanoseconds(),
		entityCount,
		scriptCount,
		assetCount,
		tick.IsDelayed,
		tick.Headroom.Nanoseconds(),
		tick.SincePrevious.Nanoseconds(),
	); err != nil {
		return nil, fmt.Errorf("finalize world tick: %w", err)
	}

	return tick, nil
}

// copySnapshots runs an INSERT ... SELECT and returns the number of rows copied.
func copySnapshots(ctx context.Context, db executor, query string, tickID int64, groupID string) (int, error) {
	res, err := db.ExecContext(ctx, query, tickID, groupID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
