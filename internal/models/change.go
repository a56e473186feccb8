package models

import "encoding/json"

// ChangeType is the kind of mutation recorded in the server change log.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one accepted mutation as stored by the server change log.
// It is immutable once the log has assigned Version and Timestamp.
type Change struct {
	Type      ChangeType      `json:"type"`
	StoreName string          `json:"storeName"`
	Key       Key             `json:"key"`
	Record    Fields          `json:"record,omitempty"`
	Diff      json.RawMessage `json:"diff,omitempty"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"`
}

// Origin tells where a local store mutation came from.
type Origin string

const (
	// OriginLocal is a mutation made by the application.
	OriginLocal Origin = "LOCAL"
	// OriginRemote is a mutation applied from a server message.
	OriginRemote Origin = "REMOTE"
	// OriginInternal is store bookkeeping (clearing dirty flags, key renames)
	// that must never trigger outbound sync.
	OriginInternal Origin = "INTERNAL"
)

// EventType is the kind of store change event.
type EventType string

const (
	EventAdd    EventType = "add"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is emitted by a store after the transaction containing the
// mutation has committed.
type ChangeEvent struct {
	Record *Record
	Type   EventType
	Origin Origin
	Store  string
}
