package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// groupColumns is the column list used for SELECT statements on sync_groups.
const groupColumns = `id, tick_rate_ms, retention_depth, read_access, write_access, created_at, updated_at`

// tickColumns is the column list used for SELECT statements on world_ticks.
const tickColumns = `id, group_id, tick_number, start_time, end_time, duration_ns,
	entity_count, script_count, asset_count, is_delayed, headroom_ns, since_previous_ns`

func queryListSyncGroups(ctx context.Context, db executor) ([]*model.SyncGroup, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+groupColumns+` FROM sync_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sync groups: %w", err)
	}
	defer rows.Close()
	return scanSyncGroups(rows)
}

func queryGetSyncGroup(ctx context.Context, db executor, id string) (*model.SyncGroup, error) {
	row := db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM sync_groups WHERE id = $1`, id)
	g, err := scanSyncGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return g, err
}

func queryUpsertSyncGroup(ctx context.Context, db executor, g *model.SyncGroup) error {
	return db.QueryRowContext(ctx, `
		INSERT INTO sync_groups (id, tick_rate_ms, retention_depth, read_access, write_access)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			tick_rate_ms = $2,
			retention_depth = $3,
			read_access = $4,
			write_access = $5,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		g.ID,
		g.TickRate.Milliseconds(),
		g.RetentionDepth,
		string(g.ReadAccess),
		string(g.WriteAccess),
	).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func queryListGroupMembers(ctx context.Context, db executor, groupID string) ([]*model.GroupMember, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT group_id, agent_id, can_write
		FROM group_members
		WHERE group_id = $1`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var members []*model.GroupMember
	for rows.Next() {
		var m model.GroupMember
		if err := rows.Scan(&m.GroupID, &m.AgentID, &m.CanWrite); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

func queryUpsertGroupMember(ctx context.Context, db executor, m *model.GroupMember) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, agent_id, can_write)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, agent_id) DO UPDATE SET can_write = $3`,
		m.GroupID, m.AgentID, m.CanWrite,
	)
	return err
}

func queryReadableGroups(ctx context.Context, db executor, agentID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM sync_groups WHERE read_access = 'public'
		UNION
		SELECT g.id FROM sync_groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE g.read_access = 'members' AND m.agent_id = $1
		ORDER BY 1`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("readable groups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func queryUpsertEntity(ctx context.Context, db executor, e *model.Entity) error {
	return db.QueryRowContext(ctx, `
		INSERT INTO entities (id, group_id, name, archetype, transform, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			group_id = $2,
			name = $3,
			archetype = $4,
			transform = $5,
			payload = $6,
			updated_at = NOW()
		RETURNING updated_at`,
		e.ID, e.GroupID, e.Name, e.Archetype, jsonbBytes(e.Transform), jsonbBytes(e.Payload),
	).Scan(&e.UpdatedAt)
}

func queryUpsertScript(ctx context.Context, db executor, s *model.Script) error {
	return db.QueryRowContext(ctx, `
		INSERT INTO scripts (id, group_id, entity_id, name, source_hash, bytecode, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			group_id = $2,
			entity_id = $3,
			name = $4,
			source_hash = $5,
			bytecode = $6,
			enabled = $7,
			updated_at = NOW()
		RETURNING updated_at`,
		s.ID, s.GroupID, s.EntityID, s.Name, s.SourceHash, s.Bytecode, s.Enabled,
	).Scan(&s.UpdatedAt)
}

func queryUpsertAsset(ctx context.Context, db executor, a *model.Asset) error {
	return db.QueryRowContext(ctx, `
		INSERT INTO assets (id, group_id, name, media_type, size_bytes, checksum, blob_ref, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			group_id = $2,
			name = $3,
			media_type = $4,
			size_bytes = $5,
			checksum = $6,
			blob_ref = $7,
			updated_at = NOW()
		RETURNING updated_at`,
		a.ID, a.GroupID, a.Name, a.MediaType, a.SizeBytes, a.Checksum, a.BlobRef,
	).Scan(&a.UpdatedAt)
}

// queryDeleteRecord deletes one row by id from a record table. The table
// name is always one of the fixed category tables, never user input.
func queryDeleteRecord(ctx context.Context, db executor, table, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func queryLatestTicks(ctx context.Context, db executor, groupID string, limit int) ([]*model.WorldTick, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+tickColumns+`
		FROM world_ticks
		WHERE group_id = $1
		ORDER BY tick_number DESC
		LIMIT $2`,
		groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("latest ticks: %w", err)
	}
	defer rows.Close()
	return scanWorldTicks(rows)
}

func queryEntitySnapshots(ctx context.Context, db executor, tickID int64) ([]*model.EntitySnapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tick_id, record_id, group_id, name, archetype, transform, payload, updated_at
		FROM entity_snapshots
		WHERE tick_id = $1`,
		tickID,
	)
	if err != nil {
		return nil, fmt.Errorf("entity snapshots: %w", err)
	}
	defer rows.Close()
	return scanEntitySnapshots(rows)
}

func queryScriptSnapshots(ctx context.Context, db executor, tickID int64) ([]*model.ScriptSnapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tick_id, record_id, group_id, entity_id, name, source_hash, bytecode, enabled, updated_at
		FROM script_snapshots
		WHERE tick_id = $1`,
		tickID,
	)
	if err != nil {
		return nil, fmt.Errorf("script snapshots: %w", err)
	}
	defer rows.Close()
	return scanScriptSnapshots(rows)
}

func queryAssetSnapshots(ctx context.Context, db executor, tickID int64) ([]*model.AssetSnapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tick_id, record_id, group_id, name, media_type, size_bytes, checksum, blob_ref, updated_at
		FROM asset_snapshots
		WHERE tick_id = $1`,
		tickID,
	)
	if err != nil {
		return nil, fmt.Errorf("asset snapshots: %w", err)
	}
	defer rows.Close()
	return scanAssetSnapshots(rows)
}

func queryGetProvider(ctx context.Context, db executor, name string) (*model.Provider, error) {
	var p model.Provider
	err := db.QueryRowContext(ctx, `
		SELECT name, secret, disabled FROM providers WHERE name = $1`, name,
	).Scan(&p.Name, &p.Secret, &p.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func queryUpsertProvider(ctx context.Context, db executor, p *model.Provider) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO providers (name, secret, disabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET secret = $2, disabled = $3`,
		p.Name, p.Secret, p.Disabled,
	)
	return err
}

func queryCreateSession(ctx context.Context, db executor, s *model.Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, provider, started_at, last_seen_at, expires_at, token, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.AgentID, s.Provider, s.StartedAt, s.LastSeenAt, s.ExpiresAt, s.Token, s.Active,
	)
	return err
}

func queryGetSession(ctx context.Context, db executor, id string) (*model.Session, error) {
	var s model.Session
	err := db.QueryRowContext(ctx, `
		SELECT id, agent_id, provider, started_at, last_seen_at, expires_at, token, active
		FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.AgentID, &s.Provider, &s.StartedAt, &s.LastSeenAt, &s.ExpiresAt, &s.Token, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func queryTouchSession(ctx context.Context, db executor, id string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET last_seen_at = $2 WHERE id = $1 AND active`,
		id, at,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func queryDeactivateSession(ctx context.Context, db executor, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE WHERE id = $1 AND active`,
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
