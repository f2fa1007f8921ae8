package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/meridianworks/worldsync/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// jsonbBytes converts a RawMessage to a driver value, mapping empty to NULL.
func jsonbBytes(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// scanSyncGroup scans a single row into a model.SyncGroup.
// The row must contain columns in the order defined by groupColumns.
func scanSyncGroup(row scannable) (*model.SyncGroup, error) {
	var (
		g          model.SyncGroup
		tickRateMS int64
	)
	err := row.Scan(
		&g.ID,
		&tickRateMS,
		&g.RetentionDepth,
		&g.ReadAccess,
		&g.WriteAccess,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.TickRate = time.Duration(tickRateMS) * time.Millisecond
	return &g, nil
}

func scanSyncGroups(rows *sql.Rows) ([]*model.SyncGroup, error) {
	var groups []*model.SyncGroup
	for rows.Next() {
		g, err := scanSyncGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// scanWorldTick scans a single row into a model.WorldTick.
// The row must contain columns in the order defined by tickColumns.
func scanWorldTick(row scannable) (*model.WorldTick, error) {
	var (
		t          model.WorldTick
		endTime    sql.NullTime
		durationNS int64
		headroomNS int64
		sincePrev  int64
	)
	err := row.Scan(
		&t.ID,
		&t.GroupID,
		&t.TickNumber,
		&t.StartTime,
		&endTime,
		&durationNS,
		&t.EntityCount,
		&t.ScriptCount,
		&t.AssetCount,
		&t.IsDelayed,
		&headroomNS,
		&sincePrev,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		t.EndTime = endTime.Time
	}
	t.Duration = time.Duration(durationNS)
	t.Headroom = time.Duration(headroomNS)
	t.SincePrevious = time.Duration(sincePrev)
	return &t, nil
}

func scanWorldTicks(rows *sql.Rows) ([]*model.WorldTick, error) {
	var ticks []*model.WorldTick
	for rows.Next() {
		t, err := scanWorldTick(rows)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func scanEntitySnapshots(rows *sql.Rows) ([]*model.EntitySnapshot, error) {
	var snaps []*model.EntitySnapshot
	for rows.Next() {
		var (
			s         model.EntitySnapshot
			transform []byte
			payload   []byte
		)
		err := rows.Scan(
			&s.TickID,
			&s.Entity.ID,
			&s.GroupID,
			&s.Name,
			&s.Archetype,
			&transform,
			&payload,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(transform) > 0 {
			s.Transform = json.RawMessage(transform)
		}
		if len(payload) > 0 {
			s.Payload = json.RawMessage(payload)
		}
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}

func scanScriptSnapshots(rows *sql.Rows) ([]*model.ScriptSnapshot, error) {
	var snaps []*model.ScriptSnapshot
	for rows.Next() {
		var s model.ScriptSnapshot
		err := rows.Scan(
			&s.TickID,
			&s.Script.ID,
			&s.GroupID,
			&s.EntityID,
			&s.Name,
			&s.SourceHash,
			&s.Bytecode,
			&s.Enabled,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}

func scanAssetSnapshots(rows *sql.Rows) ([]*model.AssetSnapshot, error) {
	var snaps []*model.AssetSnapshot
	for rows.Next() {
		var s model.AssetSnapshot
		err := rows.Scan(
			&s.TickID,
			&s.Asset.ID,
			&s.GroupID,
			&s.Name,
			&s.MediaType,
			&s.SizeBytes,
			&s.Checksum,
			&s.BlobRef,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}
