// Package archive periodically exports the latest snapshot generation of
// every sync group as JSONL to external destinations, giving operators an
// audit trail outside the retention window.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/meridianworks/worldsync/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version    string    `json:"version"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	GroupCount int       `json:"group_count"`
	TickCount  int       `json:"tick_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type  string `json:"type"`
	Group string `json:"group,omitempty"`
	Data  any    `json:"data"`
}

// ExportJSONL writes the latest tick and its snapshot rows for every group
// as JSONL to w. Groups without any retained tick are skipped.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	groups, err := s.ListSyncGroups(ctx)
	if err != nil {
		return fmt.Errorf("list sync groups: %w", err)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].ID < groups[j].ID
	})

	var lines []record
	tickCount := 0
	for _, g := range groups {
		ticks, err := s.LatestTicks(ctx, g.ID, 1)
		if err != nil {
			return fmt.Errorf("latest tick for %s: %w", g.ID, err)
		}
		if len(ticks) == 0 {
			continue
		}
		tick := ticks[0]
		tickCount++
		lines = append(lines, record{Type: "tick", Group: g.ID, Data: tick})

		entities, err := s.EntitySnapshots(ctx, tick.ID)
		if err != nil {
			return fmt.Errorf("entity snapshots for %s: %w", g.ID, err)
		}
		for _, e := range entities {
			lines = append(lines, record{Type: "entity", Group: g.ID, Data: e})
		}

		scripts, err := s.ScriptSnapshots(ctx, tick.ID)
		if err != nil {
			return fmt.Errorf("script snapshots for %s: %w", g.ID, err)
		}
		for _, sc := range scripts {
			lines = append(lines, record{Type: "script", Group: g.ID, Data: sc})
		}

		assets, err := s.AssetSnapshots(ctx, tick.ID)
		if err != nil {
			return fmt.Errorf("asset snapshots for %s: %w", g.ID, err)
		}
		for _, a := range assets {
			lines = append(lines, record{Type: "asset", Group: g.ID, Data: a})
		}
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:    "1",
		Type:       "header",
		Timestamp:  time.Now().UTC(),
		GroupCount: len(groups),
		TickCount:  tickCount,
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode %s record: %w", line.Type, err)
		}
	}
	return nil
}
