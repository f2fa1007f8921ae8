// Package events defines the internal event bus: a small publish/subscribe
// abstraction over which tick and session lifecycle notifications travel.
// The underlying transport is swappable (NATS in production, noop when no
// broker is configured) without touching scheduler or dispatcher logic.
package events

import "context"

// Event topic constants
const (
	TopicTickCompleted = "worldsync.tick.completed"
	TopicTickFailed    = "worldsync.tick.failed"

	// Session lifecycle events (consumed by audit/ops tooling).
	TopicSessionStarted = "worldsync.session.started"
	TopicSessionEnded   = "worldsync.session.ended"
)

// TickCompleted is emitted after a snapshot capture commits.
type TickCompleted struct {
	GroupID     string `json:"group_id"`
	TickID      int64  `json:"tick_id"`
	TickNumber  int64  `json:"tick_number"`
	EntityCount int    `json:"entity_count"`
	ScriptCount int    `json:"script_count"`
	AssetCount  int    `json:"asset_count"`
	Delayed     bool   `json:"delayed,omitempty"`
}

// TickFailed is emitted when a capture or diff cycle errors. The scheduler
// continues to the next tick regardless.
type TickFailed struct {
	GroupID    string `json:"group_id"`
	TickNumber int64  `json:"tick_number,omitempty"`
	Error      string `json:"error"`
}

// SessionStarted is emitted when authentication succeeds and a session row
// is created.
type SessionStarted struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Provider  string `json:"provider"`
}

// SessionEnded is emitted when a session's connection is torn down.
type SessionEnded struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
