package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"repcoach/server/internal/fitness"
	"repcoach/server/internal/logging"
	"repcoach/server/internal/remote"
)

func TestOutboxForwardsWholeDocument(t *testing.T) {
	fake := remote.NewFake()
	s := newTestStore(t, fake)
	if err := s.PutSnapshot(baseWorkout("w1")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	at := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	if err := s.Apply(context.Background(), workoutDelta("d1", "w1", at, map[string]any{"title": "Lower A heavy"})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Flush(ctx)

	path := "users/u1/workouts/w1"
	doc, ok := fake.Document(path)
	if !ok {
		t.Fatalf("no remote document at %s", path)
	}
	var remoteEntity fitness.Entity
	if err := json.Unmarshal(doc, &remoteEntity); err != nil {
		t.Fatalf("Unmarshal remote document: %v", err)
	}
	if got := remoteEntity.StringField("title"); got != "Lower A heavy" {
		t.Errorf("remote title = %q, want the folded value", got)
	}
	if got := remoteEntity.StringField("status"); got != "planned" {
		t.Errorf("remote status = %q, want the base value carried through", got)
	}
}

func TestOutboxExhaustionKeepsDeltaDurable(t *testing.T) {
	fake := remote.NewFake()
	fake.FailPuts(errors.New("remote down"))
	s := newTestStore(t, fake)
	if err := s.PutSnapshot(baseWorkout("w1")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	at := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	if err := s.Apply(context.Background(), workoutDelta("d1", "w1", at, map[string]any{"title": "unsynced"})); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Flush(ctx)

	if depth := s.OutboxDepth(); depth != 0 {
		t.Errorf("outbox depth after exhaustion = %d, want 0", depth)
	}
	// The local log never gives the delta up; a restart re-queues it.
	if pending := s.PendingDeltas(); len(pending) != 1 {
		t.Errorf("pending deltas = %d, want the unforwarded delta retained", len(pending))
	}
	view, _ := s.EffectiveView(fitness.KindWorkout, "w1")
	if got := view.StringField("title"); got != "unsynced" {
		t.Errorf("title = %q, local write must survive remote failure", got)
	}
	if fake.PutCount() != 0 {
		t.Errorf("successful remote puts = %d, want 0", fake.PutCount())
	}
}

func TestOutboxFailingDeltaDoesNotStallOthers(t *testing.T) {
	fake := remote.NewFake()
	fake.FailPutsFor("users/u1/workouts/w1", errors.New("remote rejects w1"))
	// A backoff this long would block the whole flush if the worker slept
	// through it instead of moving on to the next item.
	s, err := New(t.TempDir(), fake, logging.Nop(),
		WithRetryMax(3),
		WithRetryBaseDelay(time.Hour),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.PutSnapshot(baseWorkout("w1")); err != nil {
		t.Fatalf("PutSnapshot w1: %v", err)
	}
	if err := s.PutSnapshot(baseWorkout("w2")); err != nil {
		t.Fatalf("PutSnapshot w2: %v", err)
	}

	at := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()
	if err := s.Apply(ctx, workoutDelta("d1", "w1", at, map[string]any{"title": "stuck"})); err != nil {
		t.Fatalf("Apply d1: %v", err)
	}
	if err := s.Apply(ctx, workoutDelta("d2", "w2", at, map[string]any{"title": "moves"})); err != nil {
		t.Fatalf("Apply d2: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	s.Flush(flushCtx)

	if _, ok := fake.Document("users/u1/workouts/w2"); !ok {
		t.Error("w2 not forwarded while w1 waits out its backoff")
	}
	pending := s.PendingDeltas()
	if len(pending) != 1 || pending[0].ID != "d1" {
		t.Errorf("pending deltas = %+v, want only the failing delta retained", pending)
	}
}

func TestOutboxBackoffCaps(t *testing.T) {
	o := newOutbox(nil, nil)
	o.baseDelay = time.Second
	o.maxDelay = 10 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := o.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
