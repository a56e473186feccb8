package models

import (
	"bytes"
	"encoding/json"
)

// Fields holds the application-defined content of a record.
// Values follow encoding/json conventions (numbers decode as float64).
type Fields map[string]any

// Clone returns a deep copy of the fields.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Equal compares two field sets by their JSON representation, so that
// an int and a float64 with the same value are considered equal.
func (f Fields) Equal(other Fields) bool {
	a, errA := json.Marshal(f.orEmpty())
	b, errB := json.Marshal(other.orEmpty())
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func (f Fields) orEmpty() Fields {
	if f == nil {
		return Fields{}
	}
	return f
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Fields(t).Clone())
	case Fields:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Record is a single keyed entry of a local store together with its
// synchronization metadata.
//
// ChangedSinceSync is true while the record carries local mutations the server
// has not acknowledged. RemoteOriginal is the last state known to be on the
// server; it is only ever set on dirty records, and a dirty record without it
// has never reached the server. Tombstones (Deleted) are kept until the server
// acknowledges the delete.
//
// An empty RemoteOriginal is encoded as {} and a missing one as null, so a
// server-known record with empty content keeps its diff base across reloads.
type Record struct {
	Key              Key    `json:"key"`
	Fields           Fields `json:"fields"`
	RemoteOriginal   Fields `json:"remoteOriginal"`
	Version          int64  `json:"version"`
	ChangedSinceSync bool   `json:"changedSinceSync"`
	Deleted          bool   `json:"deleted,omitempty"`
}

// Clone creates a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Key:              r.Key,
		Fields:           r.Fields.Clone(),
		RemoteOriginal:   r.RemoteOriginal.Clone(),
		Version:          r.Version,
		ChangedSinceSync: r.ChangedSinceSync,
		Deleted:          r.Deleted,
	}
}

// Snapshot returns the record content stripped of all sync metadata.
func (r *Record) Snapshot() Fields {
	return r.Fields.Clone()
}

// NeverSynced reports whether the record was created locally and the server
// has not acknowledged it yet.
func (r *Record) NeverSynced() bool {
	return r.ChangedSinceSync && r.RemoteOriginal == nil
}

// Tombstone builds the retained delete marker for r. The diff base is carried
// forward, or taken from the current content when the record was clean.
func (r *Record) Tombstone() *Record {
	original := r.RemoteOriginal.Clone()
	if original == nil {
		original = r.Snapshot()
	}
	if original == nil {
		original = Fields{}
	}
	return &Record{
		Key:              r.Key,
		Version:          r.Version,
		ChangedSinceSync: true,
		Deleted:          true,
		RemoteOriginal:   original,
	}
}
