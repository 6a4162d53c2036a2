package fitness

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names one entity collection in the domain model.
type Kind string

const (
	KindProfile          Kind = "profile"
	KindPlan             Kind = "plan"
	KindWorkout          Kind = "workout"
	KindExerciseInstance Kind = "exercise_instance"
	KindSet              Kind = "set"
	KindTarget           Kind = "target"
	KindMessage          Kind = "message"
)

// Completion states shared by workouts, exercise instances and sets.
const (
	StatePlanned   = "planned"
	StateCompleted = "completed"
	StateSkipped   = "skipped"
	StateCancelled = "cancelled"
)

// Entity is one domain document. Domain attributes live in Fields so the
// overlay fold stays uniform across kinds; typed views below give handlers
// convenient access.
type Entity struct {
	Kind            Kind           `json:"kind"`
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Fields          map[string]any `json:"fields"`
	CompletionState string         `json:"completion_state,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep copy; Fields maps are never shared between the
// snapshot and callers.
func (e Entity) Clone() Entity {
	out := e
	out.Fields = make(map[string]any, len(e.Fields))
	for key, value := range e.Fields {
		out.Fields[key] = value
	}
	return out
}

// CanonicalJSON renders the entity deterministically (map keys sorted by
// encoding/json). Used to compare effective views byte for byte.
func (e Entity) CanonicalJSON() ([]byte, error) {
	return json.Marshal(e)
}

func (e Entity) StringField(key string) string {
	value, _ := e.Fields[key].(string)
	return value
}

func (e Entity) FloatField(key string) (float64, bool) {
	switch v := e.Fields[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (e Entity) IntField(key string) (int, bool) {
	f, ok := e.FloatField(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// DocumentPath is the user-scoped remote store path for this entity.
func (e Entity) DocumentPath() string {
	return fmt.Sprintf("users/%s/%ss/%s", e.UserID, e.Kind, e.ID)
}

// Workout is a typed view over a workout entity.
type Workout struct {
	Entity
}

func (w Workout) Title() string        { return w.StringField("title") }
func (w Workout) ScheduledFor() string { return w.StringField("scheduled_for") }
func (w Workout) ProtocolID() string   { return w.StringField("protocol_id") }
func (w Workout) Notes() string        { return w.StringField("notes") }

// SetEntry is a typed view over a set entity.
type SetEntry struct {
	Entity
}

func (s SetEntry) ExerciseInstanceID() string { return s.StringField("exercise_instance_id") }

func (s SetEntry) ActualReps() (int, bool) { return s.IntField("actual_reps") }

func (s SetEntry) ActualWeight() (float64, bool) { return s.FloatField("actual_weight") }
