// Package resolve provides stock conflict resolvers and reject handlers
package resolve

import (
	"context"
	"fmt"
	"sort"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/pkg/api"
)

// Strategy names accepted by ByName
const (
	StrategyRemote = "remote"
	StrategyLocal  = "local"
	StrategyMerge  = "merge"
)

// RemoteWins keeps the server state
func RemoteWins(_, _, remote *models.Record) (*models.Record, error) {
	return remote, nil
}

// LocalWins keeps the local record, including a local delete
func LocalWins(_, local, _ *models.Record) (*models.Record, error) {
	return local, nil
}

// MergeFields merges field by field against the common original. A field
// changed on one side only takes that side's value; a field changed on both
// sides takes the remote value. A delete on either side wins over edits.
func MergeFields(original, local, remote *models.Record) (*models.Record, error) {
	if remote.Deleted {
		return remote, nil
	}
	if local.Deleted {
		return local, nil
	}

	merged := remote.Fields.Clone()
	if merged == nil {
		merged = models.Fields{}
	}

	for _, name := range fieldNames(original.Fields, local.Fields) {
		// Поле не менялось локально
		if sameField(original.Fields, local.Fields, name) {
			continue
		}
		if !sameField(original.Fields, remote.Fields, name) {
			continue
		}
		if v, ok := local.Fields[name]; ok {
			merged[name] = models.Fields{name: v}.Clone()[name]
		} else {
			delete(merged, name)
		}
	}

	return &models.Record{Key: local.Key, Fields: merged, Version: remote.Version}, nil
}

// sameField reports whether name has the same presence and value in a and b
func sameField(a, b models.Fields, name string) bool {
	av, inA := a[name]
	bv, inB := b[name]
	if inA != inB {
		return false
	}
	return !inA || models.Fields{name: av}.Equal(models.Fields{name: bv})
}

func fieldNames(sets ...models.Fields) []string {
	seen := make(map[string]struct{})
	for _, f := range sets {
		for name := range f {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByName returns the resolver for a strategy name
func ByName(name string) (db.ConflictResolver, error) {
	switch name {
	case StrategyRemote:
		return RemoteWins, nil
	case StrategyLocal:
		return LocalWins, nil
	case StrategyMerge:
		return MergeFields, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", name)
	}
}

// Drop abandons every rejected change. The record stays dirty locally.
func Drop(context.Context, *models.Record, *api.Reject) (*models.Record, error) {
	return nil, nil
}

// Retry resubmits the rejected record unchanged up to max times per key,
// then drops it
func Retry(max int) db.RejectHandler {
	attempts := make(map[string]int)
	return func(_ context.Context, rec *models.Record, msg *api.Reject) (*models.Record, error) {
		if rec == nil {
			return nil, nil
		}
		id := msg.StoreName + "/" + msg.Key.String()
		if attempts[id] >= max {
			delete(attempts, id)
			return nil, nil
		}
		attempts[id]++
		return rec, nil
	}
}
