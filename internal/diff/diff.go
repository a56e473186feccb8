// Package diff computes and applies field-level record diffs.
//
// Compute produces an RFC 6902 JSON patch: an array of add and remove
// operations, one per changed leaf, recursing into nested objects. Unlike a
// merge patch it keeps fields whose value is null. Apply also accepts an
// RFC 7396 merge patch object, as sent by older peers.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/iudanet/synceddb/internal/models"
)

var (
	emptyObject = []byte("{}")
	emptyPatch  = []byte("[]")
)

type operation struct {
	Value any
	Op    string
	Path  string
}

// MarshalJSON keeps a null value of an add operation
func (o operation) MarshalJSON() ([]byte, error) {
	if o.Op == "remove" {
		return json.Marshal(struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
	return json.Marshal(struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}{o.Op, o.Path, o.Value})
}

// Compute returns the patch that turns from into to.
// A nil from is treated as an empty record.
func Compute(from, to models.Fields) (json.RawMessage, error) {
	// Приводим значения к JSON виду, чтобы числа сравнивались одинаково
	fromDoc, err := normalize(from)
	if err != nil {
		return nil, fmt.Errorf("failed to encode original: %w", err)
	}
	toDoc, err := normalize(to)
	if err != nil {
		return nil, fmt.Errorf("failed to encode updated record: %w", err)
	}

	ops := compare("", fromDoc, toDoc, nil)
	if len(ops) == 0 {
		return json.RawMessage(emptyPatch), nil
	}
	patch, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}
	return patch, nil
}

func compare(prefix string, from, to map[string]any, ops []operation) []operation {
	keys := make([]string, 0, len(from)+len(to))
	for k := range from {
		keys = append(keys, k)
	}
	for k := range to {
		if _, ok := from[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := prefix + "/" + escape(k)
		oldVal, hadOld := from[k]
		newVal, hasNew := to[k]
		switch {
		case !hasNew:
			ops = append(ops, operation{Op: "remove", Path: path})
		case !hadOld:
			ops = append(ops, operation{Op: "add", Path: path, Value: newVal})
		default:
			oldObj, oldIsObj := oldVal.(map[string]any)
			newObj, newIsObj := newVal.(map[string]any)
			if oldIsObj && newIsObj {
				ops = compare(path, oldObj, newObj, ops)
			} else if !reflect.DeepEqual(oldVal, newVal) {
				// add заменяет существующий член объекта
				ops = append(ops, operation{Op: "add", Path: path, Value: newVal})
			}
		}
	}
	return ops
}

// escape encodes a member name as a JSON pointer token (RFC 6901)
func escape(token string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(token)
}

// Apply applies patch to base and returns a new field set. base is not modified.
func Apply(base models.Fields, patch json.RawMessage) (models.Fields, error) {
	baseJSON, err := marshalFields(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode base: %w", err)
	}

	var merged []byte
	switch trimmed := bytes.TrimSpace(patch); {
	case len(trimmed) == 0:
		merged = baseJSON
	case trimmed[0] == '[':
		ops, err := jsonpatch.DecodePatch(trimmed)
		if err != nil {
			return nil, fmt.Errorf("failed to decode patch: %w", err)
		}
		opts := jsonpatch.NewApplyOptions()
		opts.AllowMissingPathOnRemove = true
		opts.EnsurePathExistsOnAdd = true
		if merged, err = ops.ApplyWithOptions(baseJSON, opts); err != nil {
			return nil, fmt.Errorf("failed to apply patch: %w", err)
		}
	default:
		if merged, err = jsonpatch.MergePatch(baseJSON, trimmed); err != nil {
			return nil, fmt.Errorf("failed to apply merge patch: %w", err)
		}
	}

	var out models.Fields
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("failed to decode patched record: %w", err)
	}
	if out == nil {
		out = models.Fields{}
	}
	return out, nil
}

// IsEmpty reports whether the patch changes nothing.
func IsEmpty(patch json.RawMessage) bool {
	trimmed := bytes.TrimSpace(patch)
	if len(trimmed) == 0 {
		return true
	}
	if trimmed[0] == '[' {
		var ops []json.RawMessage
		return json.Unmarshal(trimmed, &ops) == nil && len(ops) == 0
	}
	var m map[string]json.RawMessage
	return json.Unmarshal(trimmed, &m) == nil && len(m) == 0
}

func normalize(f models.Fields) (map[string]any, error) {
	data, err := marshalFields(f)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalFields(f models.Fields) ([]byte, error) {
	if f == nil {
		return emptyObject, nil
	}
	return json.Marshal(f)
}
