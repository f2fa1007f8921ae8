// Package model defines the domain types shared across the engine: sync
// groups, world records, ticks, snapshots, change sets, and sessions.
package model

import (
	"fmt"
	"time"
)

// AccessLevel controls who may read or write a sync group.
type AccessLevel string

const (
	// AccessPublic grants access to every authenticated agent.
	AccessPublic AccessLevel = "public"
	// AccessMembers grants access to group members only.
	AccessMembers AccessLevel = "members"
	// AccessNone grants access to nobody; used to freeze writes.
	AccessNone AccessLevel = "none"
)

// IsValid reports whether the level is one of the known values.
func (a AccessLevel) IsValid() bool {
	switch a {
	case AccessPublic, AccessMembers, AccessNone:
		return true
	}
	return false
}

// SyncGroup is an independently ticking partition of the world. Every
// record belongs to exactly one group, and every group runs its own
// snapshot loop at its own rate.
type SyncGroup struct {
	ID             string        `json:"id"`
	TickRate       time.Duration `json:"tick_rate"`
	RetentionDepth int           `json:"retention_depth"`
	ReadAccess     AccessLevel   `json:"read_access"`
	WriteAccess    AccessLevel   `json:"write_access"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Validate checks the invariants a group must satisfy before its tick loop
// may start. Retention must keep at least two generations or there is
// nothing to diff.
func (g *SyncGroup) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if g.TickRate <= 0 {
		return fmt.Errorf("group %s: tick rate must be positive, got %v", g.ID, g.TickRate)
	}
	if g.RetentionDepth < 2 {
		return fmt.Errorf("group %s: retention depth must be at least 2, got %d", g.ID, g.RetentionDepth)
	}
	if !g.ReadAccess.IsValid() {
		return fmt.Errorf("group %s: invalid read access %q", g.ID, g.ReadAccess)
	}
	if !g.WriteAccess.IsValid() {
		return fmt.Errorf("group %s: invalid write access %q", g.ID, g.WriteAccess)
	}
	return nil
}

// GroupMember grants an agent membership in a group, optionally with write
// permission.
type GroupMember struct {
	GroupID  string `json:"group_id"`
	AgentID  string `json:"agent_id"`
	CanWrite bool   `json:"can_write"`
}
