package fitness

import (
	"sort"
	"time"
)

// Delta is a sparse, timestamped patch to one entity: the unit of optimistic
// mutation. A delta never deletes fields it does not mention.
type Delta struct {
	ID              string         `json:"id"`
	Kind            Kind           `json:"kind"`
	EntityID        string         `json:"entity_id"`
	UserID          string         `json:"user_id"`
	Fields          map[string]any `json:"fields,omitempty"`
	CompletionState *string        `json:"completion_state,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// SortDeltas orders deltas by timestamp, breaking ties by delta id so the
// fold is deterministic under duplicate timestamps.
func SortDeltas(deltas []Delta) {
	sort.SliceStable(deltas, func(i, j int) bool {
		if deltas[i].Timestamp.Equal(deltas[j].Timestamp) {
			return deltas[i].ID < deltas[j].ID
		}
		return deltas[i].Timestamp.Before(deltas[j].Timestamp)
	})
}

// Fold computes the effective view of a base snapshot with deltas applied in
// timestamp order, later timestamp winning per field. Applying the same delta
// twice yields the same result as applying it once, and deltas touching
// disjoint fields commute.
func Fold(base Entity, deltas []Delta) Entity {
	out := base.Clone()
	if len(deltas) == 0 {
		return out
	}
	ordered := make([]Delta, len(deltas))
	copy(ordered, deltas)
	SortDeltas(ordered)
	for _, delta := range ordered {
		if delta.EntityID != base.ID {
			continue
		}
		for key, value := range delta.Fields {
			out.Fields[key] = value
		}
		if delta.CompletionState != nil {
			out.CompletionState = *delta.CompletionState
		}
		if delta.Timestamp.After(out.UpdatedAt) {
			out.UpdatedAt = delta.Timestamp
		}
	}
	return out
}
