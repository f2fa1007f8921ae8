package model

import (
	"encoding/json"
	"time"
)

// Entity is a world object: position and orientation in Transform,
// everything else in Payload.
type Entity struct {
	ID        string          `json:"id"`
	GroupID   string          `json:"group_id"`
	Name      string          `json:"name"`
	Archetype string          `json:"archetype"`
	Transform json.RawMessage `json:"transform,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Script is a behavior attached to an entity. Bytecode equality is tracked
// through SourceHash; the bytes themselves are never compared.
type Script struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	EntityID   string    `json:"entity_id"`
	Name       string    `json:"name"`
	SourceHash string    `json:"source_hash"`
	Bytecode   []byte    `json:"bytecode,omitempty"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Asset is a reference to binary content stored outside the engine. Only
// the reference and its checksum are synchronized.
type Asset struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Name      string    `json:"name"`
	MediaType string    `json:"media_type"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
	BlobRef   string    `json:"blob_ref"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntitySnapshot is an entity's state frozen at a tick.
type EntitySnapshot struct {
	Entity
	TickID int64 `json:"tick_id"`
}

// ScriptSnapshot is a script's state frozen at a tick.
type ScriptSnapshot struct {
	Script
	TickID int64 `json:"tick_id"`
}

// AssetSnapshot is an asset's state frozen at a tick.
type AssetSnapshot struct {
	Asset
	TickID int64 `json:"tick_id"`
}
