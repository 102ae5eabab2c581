package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Joined normalises a joined field that the store may return either as a
// single object or as an array of objects. Consumers only see Items.
type Joined[T any] struct {
	items []T
}

// Items returns the joined rows. A single object becomes a one-element slice;
// null becomes nil.
func (j Joined[T]) Items() []T { return j.items }

// First returns the first joined row.
func (j Joined[T]) First() (T, bool) {
	var zero T
	if len(j.items) == 0 {
		return zero, false
	}
	return j.items[0], true
}

func (j *Joined[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		j.items = nil
		return nil
	case data[0] == '[':
		return json.Unmarshal(data, &j.items)
	case data[0] == '{':
		var one T
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		j.items = []T{one}
		return nil
	default:
		return fmt.Errorf("joined field: unexpected JSON %q", truncate(string(data), 32))
	}
}

func (j Joined[T]) MarshalJSON() ([]byte, error) {
	if j.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(j.items)
}

// NormalizeJoin converts a loosely typed decoded value (map, slice of maps or
// nil) into a Joined[T]. CBOR-decoded maps with interface keys are accepted.
func NormalizeJoin[T any](v any) (Joined[T], error) {
	var j Joined[T]
	if v == nil {
		return j, nil
	}
	raw, err := json.Marshal(stringKeys(v))
	if err != nil {
		return j, fmt.Errorf("normalize join: %w", err)
	}
	if err := j.UnmarshalJSON(raw); err != nil {
		return j, fmt.Errorf("normalize join: %w", err)
	}
	return j, nil
}

// stringKeys rewrites map[any]any, recursively, into map[string]any so the
// value can be JSON encoded.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = stringKeys(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stringKeys(val)
		}
		return out
	default:
		return v
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
