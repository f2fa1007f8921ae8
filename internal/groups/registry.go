// Package groups implements the sync group registry: the in-memory view of
// every SyncGroup definition, loaded from the store at startup and
// refreshable at runtime. The scheduler reads tick rates and retention from
// here; the dispatcher reads permission models.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

// ErrNotFound is returned by Get for unknown group ids.
var ErrNotFound = errors.New("sync group not found")

// Registry holds sync group configuration keyed by group id.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]model.SyncGroup
}

// NewRegistry creates an empty registry backed by the given store.
func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger,
		groups: make(map[string]model.SyncGroup),
	}
}

// Load reads all sync group definitions from the store. Definitions that
// fail validation are logged and skipped: a bad group disables only its own
// tick loop, never the process.
func (r *Registry) Load(ctx context.Context) error {
	defs, err := r.store.ListSyncGroups(ctx)
	if err != nil {
		return fmt.Errorf("load sync groups: %w", err)
	}

	loaded := make(map[string]model.SyncGroup, len(defs))
	for _, g := range defs {
		if err := g.Validate(); err != nil {
			r.logger.Error("skipping invalid sync group", "group", g.ID, "err", err)
			continue
		}
		loaded[g.ID] = *g
	}

	r.mu.Lock()
	r.groups = loaded
	r.mu.Unlock()

	r.logger.Info("sync groups loaded", "count", len(loaded))
	return nil
}

// Refresh re-reads group definitions. Loops observe new tick rates on their
// next fire; no stronger hot-reload guarantee is made.
func (r *Registry) Refresh(ctx context.Context) error {
	return r.Load(ctx)
}

// Get returns the configuration for a group id, or ErrNotFound.
func (r *Registry) Get(id string) (model.SyncGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return model.SyncGroup{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return g, nil
}

// All returns a copy of every known group definition.
func (r *Registry) All() []model.SyncGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SyncGroup, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}
