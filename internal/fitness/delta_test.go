package fitness

import (
	"bytes"
	"testing"
	"time"
)

func baseWorkout() Entity {
	return Entity{
		Kind:   KindWorkout,
		ID:     "w1",
		UserID: "u1",
		Fields: map[string]any{
			"title":         "Full Body A",
			"scheduled_for": "2026-09-01",
			"protocol_id":   "strength_3x5_moderate",
		},
		CompletionState: StatePlanned,
		UpdatedAt:       time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func strPtr(s string) *string { return &s }

func TestFoldIdempotent(t *testing.T) {
	base := baseWorkout()
	delta := Delta{
		ID:        "d1",
		Kind:      KindWorkout,
		EntityID:  "w1",
		Fields:    map[string]any{"scheduled_for": "2026-09-02"},
		Timestamp: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
	}
	once := Fold(base, []Delta{delta})
	twice := Fold(base, []Delta{delta, delta})
	assertSameView(t, once, twice)
}

func TestFoldDisjointFieldsCommute(t *testing.T) {
	base := baseWorkout()
	d1 := Delta{ID: "d1", Kind: KindWorkout, EntityID: "w1",
		Fields:    map[string]any{"scheduled_for": "2026-09-03"},
		Timestamp: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)}
	d2 := Delta{ID: "d2", Kind: KindWorkout, EntityID: "w1",
		Fields:    map[string]any{"notes": "deload week"},
		Timestamp: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)}
	assertSameView(t, Fold(base, []Delta{d1, d2}), Fold(base, []Delta{d2, d1}))
}

func TestFoldLastWriteWins(t *testing.T) {
	base := baseWorkout()
	early := Delta{ID: "d1", Kind: KindWorkout, EntityID: "w1",
		Fields:    map[string]any{"protocol_id": "strength_3x8_moderate"},
		Timestamp: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)}
	late := Delta{ID: "d2", Kind: KindWorkout, EntityID: "w1",
		Fields:    map[string]any{"protocol_id": "strength_5x5_straight"},
		Timestamp: time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC)}

	for _, order := range [][]Delta{{early, late}, {late, early}} {
		view := Fold(base, order)
		if got := view.StringField("protocol_id"); got != "strength_5x5_straight" {
			t.Fatalf("last write must win, got %q", got)
		}
	}
}

func TestFoldNeverDeletesUnmentionedFields(t *testing.T) {
	base := baseWorkout()
	delta := Delta{ID: "d1", Kind: KindWorkout, EntityID: "w1",
		Fields:          map[string]any{"notes": "heavy triple"},
		CompletionState: strPtr(StateCompleted),
		Timestamp:       time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)}
	view := Fold(base, []Delta{delta})
	if view.StringField("title") != "Full Body A" {
		t.Fatalf("unmentioned field lost: %+v", view.Fields)
	}
	if view.CompletionState != StateCompleted {
		t.Fatalf("completion state not applied: %q", view.CompletionState)
	}
}

func TestFoldIgnoresOtherEntities(t *testing.T) {
	base := baseWorkout()
	delta := Delta{ID: "d1", Kind: KindWorkout, EntityID: "w2",
		Fields:    map[string]any{"title": "other"},
		Timestamp: time.Now()}
	view := Fold(base, []Delta{delta})
	if view.StringField("title") != "Full Body A" {
		t.Fatalf("delta for another entity applied")
	}
}

func TestFoldDoesNotMutateBase(t *testing.T) {
	base := baseWorkout()
	delta := Delta{ID: "d1", Kind: KindWorkout, EntityID: "w1",
		Fields:    map[string]any{"title": "changed"},
		Timestamp: time.Now()}
	_ = Fold(base, []Delta{delta})
	if base.Fields["title"] != "Full Body A" {
		t.Fatalf("fold mutated the base snapshot")
	}
}

func assertSameView(t *testing.T, a, b Entity) {
	t.Helper()
	aj, err := a.CanonicalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	bj, err := b.CanonicalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(aj, bj) {
		t.Fatalf("views differ:\n%s\n%s", aj, bj)
	}
}
