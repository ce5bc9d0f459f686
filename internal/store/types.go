package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/handoff/internal/tasks"
)

// encodeTask serializes the full task document. Durable backends keep the
// document as a single value and index owner, state and timestamps alongside.
func encodeTask(t *tasks.Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return data, nil
}

func decodeTask(data []byte) (*tasks.Task, error) {
	var t tasks.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// sortNewest orders tasks newest first, breaking ties by id.
func sortNewest(list []*tasks.Task) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

func applyLimit(list []*tasks.Task, limit int) []*tasks.Task {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
