// Package storetest provides an in-memory store.Store for tests. It mirrors
// the Postgres implementation's observable behavior: upserts bump
// updated_at, capture prunes to the retention depth, and snapshot rows are
// value copies frozen at capture time.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

// Store is an in-memory store.Store. The exported maps may be inspected and
// mutated directly by tests; all methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	Groups      map[string]*model.SyncGroup
	Members     map[string]map[string]*model.GroupMember
	Entities    map[string]*model.Entity
	Scripts     map[string]*model.Script
	Assets      map[string]*model.Asset
	Ticks       map[string][]*model.WorldTick
	EntitySnaps map[int64][]*model.EntitySnapshot
	ScriptSnaps map[int64][]*model.ScriptSnapshot
	AssetSnaps  map[int64][]*model.AssetSnapshot
	Providers   map[string]*model.Provider
	Sessions    map[string]*model.Session

	// captureErr, when set, is returned by CaptureSnapshot.
	captureErr error

	nextTickID int64
	clock      time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store with a deterministic internal clock.
func New() *Store {
	return &Store{
		Groups:      make(map[string]*model.SyncGroup),
		Members:     make(map[string]map[string]*model.GroupMember),
		Entities:    make(map[string]*model.Entity),
		Scripts:     make(map[string]*model.Script),
		Assets:      make(map[string]*model.Asset),
		Ticks:       make(map[string][]*model.WorldTick),
		EntitySnaps: make(map[int64][]*model.EntitySnapshot),
		ScriptSnaps: make(map[int64][]*model.ScriptSnapshot),
		AssetSnaps:  make(map[int64][]*model.AssetSnapshot),
		Providers:   make(map[string]*model.Provider),
		Sessions:    make(map[string]*model.Session),
		clock:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// SetCaptureErr makes subsequent CaptureSnapshot calls fail with err. Pass
// nil to restore normal capture.
func (s *Store) SetCaptureErr(err error) {
	s.mu.Lock()
	s.captureErr = err
	s.mu.Unlock()
}

// now advances the internal clock so successive writes get distinct
// timestamps. Callers must hold mu.
func (s *Store) now() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *Store) ListSyncGroups(_ context.Context) ([]*model.SyncGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SyncGroup
	for _, g := range s.Groups {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetSyncGroup(_ context.Context, id string) (*model.SyncGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.Groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *Store) UpsertSyncGroup(_ context.Context, g *model.SyncGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	now := s.now()
	if existing, ok := s.Groups[g.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.Groups[g.ID] = &cp
	return nil
}

func (s *Store) ListGroupMembers(_ context.Context, groupID string) ([]*model.GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.GroupMember
	for _, m := range s.Members[groupID] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpsertGroupMember(_ context.Context, m *model.GroupMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Members[m.GroupID] == nil {
		s.Members[m.GroupID] = make(map[string]*model.GroupMember)
	}
	cp := *m
	s.Members[m.GroupID][m.AgentID] = &cp
	return nil
}

func (s *Store) ReadableGroups(_ context.Context, agentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, g := range s.Groups {
		if g.ReadAccess == model.AccessPublic {
			out = append(out, id)
			continue
		}
		if g.ReadAccess == model.AccessMembers {
			if _, ok := s.Members[id][agentID]; ok {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (s *Store) UpsertEntity(_ context.Context, e *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.UpdatedAt = s.now()
	s.Entities[e.ID] = &cp
	return nil
}

func (s *Store) DeleteEntity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Entities[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.Entities, id)
	return nil
}

func (s *Store) UpsertScript(_ context.Context, sc *model.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	cp.UpdatedAt = s.now()
	s.Scripts[sc.ID] = &cp
	return nil
}

func (s *Store) DeleteScript(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Scripts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.Scripts, id)
	return nil
}

func (s *Store) UpsertAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.UpdatedAt = s.now()
	s.Assets[a.ID] = &cp
	return nil
}

func (s *Store) DeleteAsset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Assets[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.Assets, id)
	return nil
}

func (s *Store) CaptureSnapshot(_ context.Context, group *model.SyncGroup) (*model.WorldTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureErr != nil {
		return nil, s.captureErr
	}

	ticks := s.Ticks[group.ID]
	var maxNumber int64
	var prevStart time.Time
	if len(ticks) > 0 {
		last := ticks[len(ticks)-1]
		maxNumber = last.TickNumber
		prevStart = last.StartTime
	}

	// Prune so that after this capture at most retention_depth ticks remain.
	cutoff := maxNumber - int64(group.RetentionDepth) + 1
	var kept []*model.WorldTick
	for _, t := range ticks {
		if t.TickNumber <= cutoff {
			delete(s.EntitySnaps, t.ID)
			delete(s.ScriptSnaps, t.ID)
			delete(s.AssetSnaps, t.ID)
			continue
		}
		kept = append(kept, t)
	}

	s.nextTickID++
	start := s.now()
	tick := &model.WorldTick{
		ID:         s.nextTickID,
		GroupID:    group.ID,
		TickNumber: maxNumber + 1,
		StartTime:  start,
	}
	if !prevStart.IsZero() {
		tick.SincePrevious = start.Sub(prevStart)
	}

	for _, e := range s.Entities {
		if e.GroupID != group.ID {
			continue
		}
		s.EntitySnaps[tick.ID] = append(s.EntitySnaps[tick.ID],
			&model.EntitySnapshot{Entity: *e, TickID: tick.ID})
		tick.EntityCount++
	}
	for _, sc := range s.Scripts {
		if sc.GroupID != group.ID {
			continue
		}
		s.ScriptSnaps[tick.ID] = append(s.ScriptSnaps[tick.ID],
			&model.ScriptSnapshot{Script: *sc, TickID: tick.ID})
		tick.ScriptCount++
	}
	for _, a := range s.Assets {
		if a.GroupID != group.ID {
			continue
		}
		s.AssetSnaps[tick.ID] = append(s.AssetSnaps[tick.ID],
			&model.AssetSnapshot{Asset: *a, TickID: tick.ID})
		tick.AssetCount++
	}

	end := s.now()
	tick.EndTime = end
	tick.Duration = end.Sub(start)
	tick.IsDelayed = tick.Duration > group.TickRate
	tick.Headroom = group.TickRate - tick.Duration

	s.Ticks[group.ID] = append(kept, tick)
	cp := *tick
	return &cp, nil
}

func (s *Store) LatestTicks(_ context.Context, groupID string, limit int) ([]*model.WorldTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticks := s.Ticks[groupID]
	var out []*model.WorldTick
	for i := len(ticks) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *ticks[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) EntitySnapshots(_ context.Context, tickID int64) ([]*model.EntitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.EntitySnapshot
	for _, snap := range s.EntitySnaps[tickID] {
		cp := *snap
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ScriptSnapshots(_ context.Context, tickID int64) ([]*model.ScriptSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ScriptSnapshot
	for _, snap := range s.ScriptSnaps[tickID] {
		cp := *snap
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) AssetSnapshots(_ context.Context, tickID int64) ([]*model.AssetSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.AssetSnapshot
	for _, snap := range s.AssetSnaps[tickID] {
		cp := *snap
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetProvider(_ context.Context, name string) (*model.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Providers[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpsertProvider(_ context.Context, p *model.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.Providers[p.Name] = &cp
	return nil
}

func (s *Store) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.Sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok || !sess.Active {
		return store.ErrNotFound
	}
	sess.LastSeenAt = at
	return nil
}

func (s *Store) DeactivateSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok || !sess.Active {
		return store.ErrNotFound
	}
	sess.Active = false
	return nil
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *Store) Close() error { return nil }
