package tools

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"repcoach/server/internal/logging"
	"repcoach/server/internal/store"
)

// Artifact is a UI side effect a handler queues during execution. The HTTP
// layer drains these into custom stream events after the tool result is in.
type Artifact struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	ArtifactSuggestionChips = "suggestion_chips"
	ArtifactEntityCard      = "entity_card"
	ArtifactDraftCreated    = "draft_created"
)

// Context carries everything a handler needs for one turn: the acting user,
// the store, the draft registry, and the turn-scoped accumulation (last
// created entity, queued artifacts). One Context per turn, never shared.
type Context struct {
	UserID string
	Store  *store.Store
	Drafts *DraftRegistry
	Logger *slog.Logger

	Clock func() time.Time
	NewID func() string

	lastWorkoutID string
	artifacts     []Artifact
}

func NewContext(userID string, st *store.Store, drafts *DraftRegistry, logger *slog.Logger) *Context {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Context{
		UserID: userID,
		Store:  st,
		Drafts: drafts,
		Logger: logger,
		Clock:  time.Now,
		NewID:  uuid.NewString,
	}
}

// RememberWorkout records the workout a handler just created or modified so
// follow-up calls in the same turn can say "it" or "that workout".
func (tc *Context) RememberWorkout(id string) {
	tc.lastWorkoutID = id
}

func (tc *Context) LastWorkoutID() string {
	return tc.lastWorkoutID
}

func (tc *Context) PushArtifact(artifact Artifact) {
	tc.artifacts = append(tc.artifacts, artifact)
}

// DrainArtifacts returns the queued artifacts in push order and clears the
// queue.
func (tc *Context) DrainArtifacts() []Artifact {
	out := tc.artifacts
	tc.artifacts = nil
	return out
}
