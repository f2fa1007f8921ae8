// Package diff computes the minimal change set between two consecutive
// snapshot generations of a sync group. A change set is a set, not a log:
// consumers get no ordering guarantees beyond determinism for a given pair
// of ticks.
package diff

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

// Engine compares snapshot generations fetched from the store.
type Engine struct {
	store store.Store
}

// NewEngine returns a diff engine backed by the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// Diff computes the change set between the two most recent ticks of a
// group. With fewer than two retained ticks there is no baseline yet and
// the result is empty.
func (e *Engine) Diff(ctx context.Context, groupID string) (*model.ChangeSet, error) {
	ticks, err := e.store.LatestTicks(ctx, groupID, 2)
	if err != nil {
		return nil, fmt.Errorf("latest ticks for %s: %w", groupID, err)
	}
	if len(ticks) < 2 {
		cs := &model.ChangeSet{GroupID: groupID}
		if len(ticks) == 1 {
			cs.TickNumber = ticks[0].TickNumber
		}
		return cs, nil
	}
	// LatestTicks returns newest first.
	return e.DiffTicks(ctx, ticks[1], ticks[0])
}

// DiffTicks computes the change set between two specific ticks of the same
// group. Re-running it for the same pair yields an identical result as long
// as both ticks are still retained.
func (e *Engine) DiffTicks(ctx context.Context, prev, curr *model.WorldTick) (*model.ChangeSet, error) {
	if prev.GroupID != curr.GroupID {
		return nil, fmt.Errorf("tick group mismatch: %s vs %s", prev.GroupID, curr.GroupID)
	}

	cs := &model.ChangeSet{GroupID: curr.GroupID, TickNumber: curr.TickNumber}

	prevEnts, err := e.store.EntitySnapshots(ctx, prev.ID)
	if err != nil {
		return nil, fmt.Errorf("entity snapshots for tick %d: %w", prev.ID, err)
	}
	currEnts, err := e.store.EntitySnapshots(ctx, curr.ID)
	if err != nil {
		return nil, fmt.Errorf("entity snapshots for tick %d: %w", curr.ID, err)
	}
	cs.Entities = diffEntities(prevEnts, currEnts)

	prevScripts, err := e.store.ScriptSnapshots(ctx, prev.ID)
	if err != nil {
		return nil, fmt.Errorf("script snapshots for tick %d: %w", prev.ID, err)
	}
	currScripts, err := e.store.ScriptSnapshots(ctx, curr.ID)
	if err != nil {
		return nil, fmt.Errorf("script snapshots for tick %d: %w", curr.ID, err)
	}
	cs.Scripts = diffScripts(prevScripts, currScripts)

	prevAssets, err := e.store.AssetSnapshots(ctx, prev.ID)
	if err != nil {
		return nil, fmt.Errorf("asset snapshots for tick %d: %w", prev.ID, err)
	}
	currAssets, err := e.store.AssetSnapshots(ctx, curr.ID)
	if err != nil {
		return nil, fmt.Errorf("asset snapshots for tick %d: %w", curr.ID, err)
	}
	cs.Assets = diffAssets(prevAssets, currAssets)

	return cs, nil
}

func diffEntities(prev, curr []*model.EntitySnapshot) []model.EntityChange {
	prevByID := make(map[string]*model.EntitySnapshot, len(prev))
	for _, s := range prev {
		prevByID[s.Entity.ID] = s
	}

	var changes []model.EntityChange
	for _, c := range curr {
		p, ok := prevByID[c.Entity.ID]
		if !ok {
			changes = append(changes, model.EntityChange{
				RecordID: c.Entity.ID,
				Op:       model.OpInsert,
				Changes:  fullEntityChanges(c),
			})
			continue
		}
		delete(prevByID, c.Entity.ID)

		// Unchanged update timestamp means an unchanged record; this is
		// the dominant case and skips the field comparison entirely.
		if p.UpdatedAt.Equal(c.UpdatedAt) {
			continue
		}
		if delta := entityDelta(p, c); delta != nil {
			changes = append(changes, model.EntityChange{
				RecordID: c.Entity.ID,
				Op:       model.OpUpdate,
				Changes:  delta,
			})
		}
	}
	for id := range prevByID {
		changes = append(changes, model.EntityChange{RecordID: id, Op: model.OpDelete})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].RecordID < changes[j].RecordID })
	return changes
}

func fullEntityChanges(c *model.EntitySnapshot) *model.EntityChanges {
	ch := &model.EntityChanges{
		Name:      &c.Name,
		Archetype: &c.Archetype,
	}
	if len(c.Transform) > 0 {
		ch.Transform = &c.Transform
	}
	if len(c.Payload) > 0 {
		ch.Payload = &c.Payload
	}
	return ch
}

func entityDelta(p, c *model.EntitySnapshot) *model.EntityChanges {
	var (
		ch    model.EntityChanges
		dirty bool
	)
	if c.Name != p.Name {
		ch.Name = &c.Name
		dirty = true
	}
	if c.Archetype != p.Archetype {
		ch.Archetype = &c.Archetype
		dirty = true
	}
	if !bytes.Equal(c.Transform, p.Transform) {
		ch.Transform = &c.Transform
		dirty = true
	}
	if !bytes.Equal(c.Payload, p.Payload) {
		ch.Payload = &c.Payload
		dirty = true
	}
	if !dirty {
		return nil
	}
	return &ch
}

func diffScripts(prev, curr []*model.ScriptSnapshot) []model.ScriptChange {
	prevByID := make(map[string]*model.ScriptSnapshot, len(prev))
	for _, s := range prev {
		prevByID[s.Script.ID] = s
	}

	var changes []model.ScriptChange
	for _, c := range curr {
		p, ok := prevByID[c.Script.ID]
		if !ok {
			changes = append(changes, model.ScriptChange{
				RecordID: c.Script.ID,
				Op:       model.OpInsert,
				Changes: &model.ScriptChanges{
					EntityID:   &c.EntityID,
					Name:       &c.Name,
					SourceHash: &c.SourceHash,
					Bytecode:   c.Bytecode,
					Enabled:    &c.Enabled,
				},
			})
			continue
		}
		delete(prevByID, c.Script.ID)

		if p.UpdatedAt.Equal(c.UpdatedAt) {
			continue
		}
		if delta := scriptDelta(p, c); delta != nil {
			changes = append(changes, model.ScriptChange{
				RecordID: c.Script.ID,
				Op:       model.OpUpdate,
				Changes:  delta,
			})
		}
	}
	for id := range prevByID {
		changes = append(changes, model.ScriptChange{RecordID: id, Op: model.OpDelete})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].RecordID < changes[j].RecordID })
	return changes
}

func scriptDelta(p, c *model.ScriptSnapshot) *model.ScriptChanges {
	var (
		ch    model.ScriptChanges
		dirty bool
	)
	if c.EntityID != p.EntityID {
		ch.EntityID = &c.EntityID
		dirty = true
	}
	if c.Name != p.Name {
		ch.Name = &c.Name
		dirty = true
	}
	// Bytecode is compared by hash, never byte-for-byte, and only travels
	// when the hash changed.
	if c.SourceHash != p.SourceHash {
		ch.SourceHash = &c.SourceHash
		ch.Bytecode = c.Bytecode
		dirty = true
	}
	if c.Enabled != p.Enabled {
		ch.Enabled = &c.Enabled
		dirty = true
	}
	if !dirty {
		return nil
	}
	return &ch
}

func diffAssets(prev, curr []*model.AssetSnapshot) []model.AssetChange {
	prevByID := make(map[string]*model.AssetSnapshot, len(prev))
	for _, s := range prev {
		prevByID[s.Asset.ID] = s
	}

	var changes []model.AssetChange
	for _, c := range curr {
		p, ok := prevByID[c.Asset.ID]
		if !ok {
			changes = append(changes, model.AssetChange{
				RecordID: c.Asset.ID,
				Op:       model.OpInsert,
				Changes: &model.AssetChanges{
					Name:      &c.Name,
					MediaType: &c.MediaType,
					SizeBytes: &c.SizeBytes,
					Checksum:  &c.Checksum,
					BlobRef:   &c.BlobRef,
				},
			})
			continue
		}
		delete(prevByID, c.Asset.ID)

		if p.UpdatedAt.Equal(c.UpdatedAt) {
			continue
		}
		if delta := assetDelta(p, c); delta != nil {
			changes = append(changes, model.AssetChange{
				RecordID: c.Asset.ID,
				Op:       model.OpUpdate,
				Changes:  delta,
			})
		}
	}
	for id := range prevByID {
		changes = append(changes, model.AssetChange{RecordID: id, Op: model.OpDelete})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].RecordID < changes[j].RecordID })
	return changes
}

func assetDelta(p, c *model.AssetSnapshot) *model.AssetChanges {
	var (
		ch    model.AssetChanges
		dirty bool
	)
	if c.Name != p.Name {
		ch.Name = &c.Name
		dirty = true
	}
	if c.MediaType != p.MediaType {
		ch.MediaType = &c.MediaType
		dirty = true
	}
	if c.SizeBytes != p.SizeBytes {
		ch.SizeBytes = &c.SizeBytes
		dirty = true
	}
	// The blob itself is identified by checksum; a changed checksum moves
	// the reference, never the bytes.
	if c.Checksum != p.Checksum {
		ch.Checksum = &c.Checksum
		dirty = true
	}
	if c.BlobRef != p.BlobRef {
		ch.BlobRef = &c.BlobRef
		dirty = true
	}
	if !dirty {
		return nil
	}
	return &ch
}
