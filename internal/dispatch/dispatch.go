// Package dispatch fans tick change sets out to the connections allowed to
// read the originating group.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/meridianworks/worldsync/internal/metrics"
	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/session"
)

// updateFrame is the server-to-client delta frame.
type updateFrame struct {
	Type       string               `json:"type"`
	GroupID    string               `json:"groupId"`
	TickNumber int64                `json:"tickNumber"`
	Entities   []model.EntityChange `json:"entities,omitempty"`
	Scripts    []model.ScriptChange `json:"scripts,omitempty"`
	Assets     []model.AssetChange  `json:"assets,omitempty"`
}

// Dispatcher broadcasts change sets through the session registry.
type Dispatcher struct {
	registry  *session.Registry
	collector *metrics.Collector
	logger    *slog.Logger
}

// New creates a dispatcher.
func New(registry *session.Registry, collector *metrics.Collector, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, collector: collector, logger: logger}
}

// Broadcast sends a change set to every connection with read access to its
// group. Empty change sets produce no frames at all. The frame is marshaled
// once; a failed write tears down only the failing connection.
func (d *Dispatcher) Broadcast(ctx context.Context, cs *model.ChangeSet) {
	if cs == nil || cs.Empty() {
		return
	}

	receivers := d.registry.Receivers(cs.GroupID)
	if len(receivers) == 0 {
		return
	}

	data, err := json.Marshal(updateFrame{
		Type:       "update",
		GroupID:    cs.GroupID,
		TickNumber: cs.TickNumber,
		Entities:   cs.Entities,
		Scripts:    cs.Scripts,
		Assets:     cs.Assets,
	})
	if err != nil {
		d.logger.Error("marshal update frame", "group", cs.GroupID, "error", err)
		return
	}

	sent := 0
	for _, conn := range receivers {
		if err := conn.WritePrepared(data); err != nil {
			d.logger.Warn("update write failed, dropping connection",
				"session", conn.SessionID(),
				"group", cs.GroupID,
				"error", err)
			d.registry.Unregister(ctx, conn, "")
			continue
		}
		sent++
	}
	d.collector.RecordBroadcast(cs.GroupID, sent)
}
