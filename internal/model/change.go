package model

import "encoding/json"

// ChangeOp is the kind of change a record underwent between two ticks.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// EntityChanges carries the entity fields that changed. Pointer fields plus
// omitempty keep unchanged fields out of update payloads entirely.
type EntityChanges struct {
	Name      *string          `json:"name,omitempty"`
	Archetype *string          `json:"archetype,omitempty"`
	Transform *json.RawMessage `json:"transform,omitempty"`
	Payload   *json.RawMessage `json:"payload,omitempty"`
}

// ScriptChanges carries the script fields that changed. Bytecode travels
// only together with a changed SourceHash.
type ScriptChanges struct {
	EntityID   *string `json:"entity_id,omitempty"`
	Name       *string `json:"name,omitempty"`
	SourceHash *string `json:"source_hash,omitempty"`
	Bytecode   []byte  `json:"bytecode,omitempty"`
	Enabled    *bool   `json:"enabled,omitempty"`
}

// AssetChanges carries the asset fields that changed.
type AssetChanges struct {
	Name      *string `json:"name,omitempty"`
	MediaType *string `json:"media_type,omitempty"`
	SizeBytes *int64  `json:"size_bytes,omitempty"`
	Checksum  *string `json:"checksum,omitempty"`
	BlobRef   *string `json:"blob_ref,omitempty"`
}

// EntityChange describes one entity's transition between two ticks. Changes
// is the full field set for inserts, the differing fields for updates, and
// nil for deletes.
type EntityChange struct {
	RecordID string         `json:"record_id"`
	Op       ChangeOp       `json:"op"`
	Changes  *EntityChanges `json:"changes,omitempty"`
}

// ScriptChange describes one script's transition between two ticks.
type ScriptChange struct {
	RecordID string         `json:"record_id"`
	Op       ChangeOp       `json:"op"`
	Changes  *ScriptChanges `json:"changes,omitempty"`
}

// AssetChange describes one asset's transition between two ticks.
type AssetChange struct {
	RecordID string        `json:"record_id"`
	Op       ChangeOp      `json:"op"`
	Changes  *AssetChanges `json:"changes,omitempty"`
}

// ChangeSet is everything that changed in a group between two consecutive
// ticks.
type ChangeSet struct {
	GroupID    string         `json:"group_id"`
	TickNumber int64          `json:"tick_number"`
	Entities   []EntityChange `json:"entities,omitempty"`
	Scripts    []ScriptChange `json:"scripts,omitempty"`
	Assets     []AssetChange  `json:"assets,omitempty"`
}

// Empty reports whether the change set carries no changes at all.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Entities) == 0 && len(cs.Scripts) == 0 && len(cs.Assets) == 0
}

// Size returns the total number of change records across categories.
func (cs *ChangeSet) Size() int {
	return len(cs.Entities) + len(cs.Scripts) + len(cs.Assets)
}
