package store

import (
	"context"
	"errors"
	"time"

	"github.com/meridianworks/worldsync/internal/model"
)

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the world-state engine.
// All mutation of shared state goes through these operations; the
// dispatcher and scheduler never touch tables directly.
type Store interface {
	// Sync groups
	ListSyncGroups(ctx context.Context) ([]*model.SyncGroup, error)
	GetSyncGroup(ctx context.Context, id string) (*model.SyncGroup, error)
	UpsertSyncGroup(ctx context.Context, g *model.SyncGroup) error
	ListGroupMembers(ctx context.Context, groupID string) ([]*model.GroupMember, error)
	UpsertGroupMember(ctx context.Context, m *model.GroupMember) error
	// ReadableGroups returns the ids of every group the agent may read:
	// all public groups plus groups the agent is a member of.
	ReadableGroups(ctx context.Context, agentID string) ([]string, error)

	// World records (the external write path's documented surface)
	UpsertEntity(ctx context.Context, e *model.Entity) error
	DeleteEntity(ctx context.Context, id string) error
	UpsertScript(ctx context.Context, s *model.Script) error
	DeleteScript(ctx context.Context, id string) error
	UpsertAsset(ctx context.Context, a *model.Asset) error
	DeleteAsset(ctx context.Context, id string) error

	// Ticks and snapshots. CaptureSnapshot is all-or-nothing: it prunes
	// ticks beyond the group's retention depth, allocates the next tick
	// number, copies every group-scoped record into snapshot rows, and
	// records tick metrics, all in one transaction serialized per group.
	CaptureSnapshot(ctx context.Context, group *model.SyncGroup) (*model.WorldTick, error)
	LatestTicks(ctx context.Context, groupID string, limit int) ([]*model.WorldTick, error)
	EntitySnapshots(ctx context.Context, tickID int64) ([]*model.EntitySnapshot, error)
	ScriptSnapshots(ctx context.Context, tickID int64) ([]*model.ScriptSnapshot, error)
	AssetSnapshots(ctx context.Context, tickID int64) ([]*model.AssetSnapshot, error)

	// Sessions and providers
	GetProvider(ctx context.Context, name string) (*model.Provider, error)
	UpsertProvider(ctx context.Context, p *model.Provider) error
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeactivateSession(ctx context.Context, id string) error

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
