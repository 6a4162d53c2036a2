package tools

import (
	"context"
	"errors"
	"sync"

	"repcoach/server/internal/fitness"
	"repcoach/server/internal/store"
)

var ErrDraftNotFound = errors.New("draft not found")

type DraftState string

const (
	DraftPending   DraftState = "pending"
	DraftConfirmed DraftState = "confirmed"
	DraftDiscarded DraftState = "discarded"
)

// Draft is a staged mutation awaiting an explicit user decision. The
// payload is plain data, not a captured closure: everything Confirm will do
// is visible on the struct, and the draft outlives the turn that created
// it. Resolution is at-most-once; a second Confirm or Discard of either
// kind is a no-op reporting the settled state.
type Draft struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Summary string `json:"summary"`

	// NewEntities are installed as snapshots first, then Deltas applied,
	// both through the store's normal write path.
	NewEntities []fitness.Entity `json:"new_entities,omitempty"`
	Deltas      []fitness.Delta  `json:"deltas,omitempty"`

	mu    sync.Mutex
	state DraftState
}

func (d *Draft) State() DraftState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Confirm applies the staged mutation. Only the first call mutates; later
// calls return the settled state without touching the store.
func (d *Draft) Confirm(ctx context.Context, st *store.Store) (DraftState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DraftPending {
		return d.state, nil
	}
	for _, entity := range d.NewEntities {
		if err := st.PutSnapshot(entity); err != nil {
			return d.state, err
		}
	}
	for _, delta := range d.Deltas {
		if err := st.Apply(ctx, delta); err != nil {
			return d.state, err
		}
	}
	d.state = DraftConfirmed
	return d.state, nil
}

func (d *Draft) Discard() DraftState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DraftPending {
		return d.state
	}
	d.state = DraftDiscarded
	return d.state
}

// DraftRegistry tracks pending drafts across turns so the HTTP layer can
// resolve them by id.
type DraftRegistry struct {
	mu     sync.Mutex
	drafts map[string]*Draft
	store  *store.Store
}

func NewDraftRegistry(st *store.Store) *DraftRegistry {
	return &DraftRegistry{drafts: make(map[string]*Draft), store: st}
}

func (r *DraftRegistry) Create(draft *Draft) *Draft {
	draft.state = DraftPending
	r.mu.Lock()
	r.drafts[draft.ID] = draft
	r.mu.Unlock()
	return draft
}

// ReplacePending discards every pending draft for the action and returns
// how many were displaced. A new draft of the same action supersedes the
// old one rather than stacking.
func (r *DraftRegistry) ReplacePending(action string) int {
	r.mu.Lock()
	var stale []*Draft
	for _, draft := range r.drafts {
		if draft.Action == action {
			stale = append(stale, draft)
		}
	}
	r.mu.Unlock()
	displaced := 0
	for _, draft := range stale {
		if draft.State() == DraftPending {
			draft.Discard()
			displaced++
		}
	}
	return displaced
}

func (r *DraftRegistry) Get(id string) (*Draft, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	draft, ok := r.drafts[id]
	return draft, ok
}

func (r *DraftRegistry) Confirm(ctx context.Context, id string) (DraftState, error) {
	draft, ok := r.Get(id)
	if !ok {
		return "", ErrDraftNotFound
	}
	return draft.Confirm(ctx, r.store)
}

func (r *DraftRegistry) Discard(id string) (DraftState, error) {
	draft, ok := r.Get(id)
	if !ok {
		return "", ErrDraftNotFound
	}
	return draft.Discard(), nil
}
