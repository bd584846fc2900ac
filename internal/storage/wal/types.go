package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate         EventType = "CREATE"          // Dispatch planned, payload is the full record
	EventNodeUpdate     EventType = "NODE_UPDATE"     // Node result written, payload is a NodeResult
	EventDispatchUpdate EventType = "DISPATCH_UPDATE" // Dispatch result written, payload is a DispatchResult
)

// Event represents a WAL event record
type Event struct {
	Seq        uint64           `json:"seq"`               // Event sequence number (monotonically increasing, survives rotation)
	Type       EventType        `json:"type"`              // Event type
	DispatchID types.DispatchID `json:"dispatch_id"`       // Dispatch the event belongs to
	NodeID     types.NodeID     `json:"node_id,omitempty"` // Only meaningful for NODE_UPDATE
	Timestamp  int64            `json:"timestamp"`         // Unix millisecond timestamp
	Payload    json.RawMessage  `json:"payload"`           // Type-specific body
	Checksum   uint32           `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
