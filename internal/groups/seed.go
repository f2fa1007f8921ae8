package groups

import (
	"context"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

// seedFile is the on-disk TOML shape for sync group definitions:
//
//	[[group]]
//	id = "lobby"
//	tick_rate = "250ms"
//	retention_depth = 10
//	read_access = "public"
//	write_access = "members"
//
//	[[member]]
//	group = "arena-1"
//	agent = "agent-7"
//	can_write = true
//
//	[[provider]]
//	name = "platform"
//	secret = "..."
type seedFile struct {
	Groups    []seedGroup    `toml:"group"`
	Members   []seedMember   `toml:"member"`
	Providers []seedProvider `toml:"provider"`
}

type seedGroup struct {
	ID             string `toml:"id"`
	TickRate       string `toml:"tick_rate"`
	RetentionDepth int    `toml:"retention_depth"`
	ReadAccess     string `toml:"read_access"`
	WriteAccess    string `toml:"write_access"`
}

type seedMember struct {
	Group    string `toml:"group"`
	Agent    string `toml:"agent"`
	CanWrite bool   `toml:"can_write"`
}

type seedProvider struct {
	Name     string `toml:"name"`
	Secret   string `toml:"secret"`
	Disabled bool   `toml:"disabled"`
}

// SeedFromFile parses a TOML seed file and upserts its groups, memberships,
// and providers into the store. Call before Load so the registry sees the
// seeded definitions.
func SeedFromFile(ctx context.Context, s store.Store, path string) error {
	var seed seedFile
	if _, err := toml.DecodeFile(path, &seed); err != nil {
		return fmt.Errorf("parse groups file %s: %w", path, err)
	}
	return seedStore(ctx, s, &seed)
}

func seedStore(ctx context.Context, s store.Store, seed *seedFile) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		for _, sg := range seed.Groups {
			g, err := sg.toModel()
			if err != nil {
				return err
			}
			if err := tx.UpsertSyncGroup(ctx, g); err != nil {
				return fmt.Errorf("seed group %s: %w", g.ID, err)
			}
		}
		for _, sm := range seed.Members {
			m := &model.GroupMember{GroupID: sm.Group, AgentID: sm.Agent, CanWrite: sm.CanWrite}
			if err := tx.UpsertGroupMember(ctx, m); err != nil {
				return fmt.Errorf("seed member %s/%s: %w", sm.Group, sm.Agent, err)
			}
		}
		for _, sp := range seed.Providers {
			p := &model.Provider{Name: sp.Name, Secret: sp.Secret, Disabled: sp.Disabled}
			if p.Name == "" || p.Secret == "" {
				return fmt.Errorf("seed provider: name and secret are required")
			}
			if err := tx.UpsertProvider(ctx, p); err != nil {
				return fmt.Errorf("seed provider %s: %w", p.Name, err)
			}
		}
		return nil
	})
}

func (sg seedGroup) toModel() (*model.SyncGroup, error) {
	rate, err := time.ParseDuration(sg.TickRate)
	if err != nil {
		return nil, fmt.Errorf("group %s: tick_rate: %w", sg.ID, err)
	}
	g := &model.SyncGroup{
		ID:             sg.ID,
		TickRate:       rate,
		RetentionDepth: sg.RetentionDepth,
		ReadAccess:     model.AccessLevel(sg.ReadAccess),
		WriteAccess:    model.AccessLevel(sg.WriteAccess),
	}
	if g.ReadAccess == "" {
		g.ReadAccess = model.AccessMembers
	}
	if g.WriteAccess == "" {
		g.WriteAccess = model.AccessMembers
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
