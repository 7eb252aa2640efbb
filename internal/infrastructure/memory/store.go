// Package memory keeps aggregates in process memory with the same
// compare-and-set contract as the Postgres repositories.
package memory

import (
	"encoding/json"
	"fmt"
)

// clone deep-copies a document so callers never share state with the store.
func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("memory: unmarshal: %w", err)
	}
	return &out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
