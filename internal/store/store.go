package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"repcoach/server/internal/fitness"
	"repcoach/server/internal/logging"
	"repcoach/server/internal/remote"
)

// ErrDurableLogUnavailable marks a failed synchronous persist. The optimistic
// overlay is rolled back before this is returned; callers surface it as a
// hard failure, never a silent retry.
var ErrDurableLogUnavailable = errors.New("durable delta log unavailable")

// Store owns the base snapshots and the append-only pending delta log. All
// mutation goes through Apply, giving one mutator and many readers; reads
// fold the effective view on demand and never persist it.
type Store struct {
	mu        sync.Mutex
	logger    *slog.Logger
	dataDir   string
	remote    remote.Client
	snapshots map[string]fitness.Entity
	deltas    []fitness.Delta
	confirmed map[string]bool
	outbox    *outbox
	now       func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithRetryMax(n int) Option {
	return func(s *Store) { s.outbox.retryMax = n }
}

func WithRetryBaseDelay(d time.Duration) Option {
	return func(s *Store) { s.outbox.baseDelay = d }
}

func New(dataDir string, remoteClient remote.Client, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Store{
		logger:    logger,
		dataDir:   dataDir,
		remote:    remoteClient,
		snapshots: make(map[string]fitness.Entity),
		confirmed: make(map[string]bool),
		now:       time.Now,
	}
	s.outbox = newOutbox(s, logger)
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initDirs(); err != nil {
		return nil, err
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the background forwarder. It stops when ctx is canceled.
func (s *Store) Start(ctx context.Context) {
	s.outbox.start(ctx)
}

func entityKey(kind fitness.Kind, id string) string {
	return string(kind) + "/" + id
}

// PutSnapshot installs or replaces a base snapshot. Used for seeding and for
// hydration from the remote store; pending deltas for the entity still apply
// on read. A failed durable write restores the prior snapshot so reads never
// serve state the local log does not hold.
func (s *Store) PutSnapshot(entity fitness.Entity) error {
	key := entityKey(entity.Kind, entity.ID)
	s.mu.Lock()
	prior, existed := s.snapshots[key]
	s.snapshots[key] = entity.Clone()
	s.mu.Unlock()

	if err := s.persistSnapshot(entity); err != nil {
		s.mu.Lock()
		if existed {
			s.snapshots[key] = prior
		} else {
			delete(s.snapshots, key)
		}
		s.mu.Unlock()
		s.logger.Error("store.snapshot_persist_failed",
			"kind", string(entity.Kind),
			"entity_id", entity.ID,
			"error", err.Error(),
		)
		return fmt.Errorf("%w: %v", ErrDurableLogUnavailable, err)
	}
	return nil
}

// EnsureSnapshot loads the entity from the remote store when no local base
// snapshot exists yet.
func (s *Store) EnsureSnapshot(ctx context.Context, kind fitness.Kind, id, userID string) (fitness.Entity, error) {
	s.mu.Lock()
	snapshot, ok := s.snapshots[entityKey(kind, id)]
	s.mu.Unlock()
	if ok {
		return snapshot.Clone(), nil
	}
	if s.remote == nil {
		return fitness.Entity{}, remote.ErrNotFound
	}
	lookup := fitness.Entity{Kind: kind, ID: id, UserID: userID}
	doc, err := s.remote.GetDocument(ctx, lookup.DocumentPath())
	if err != nil {
		return fitness.Entity{}, err
	}
	entity, err := decodeEntity(doc)
	if err != nil {
		return fitness.Entity{}, err
	}
	if err := s.PutSnapshot(entity); err != nil {
		return fitness.Entity{}, err
	}
	return entity, nil
}

// EffectiveView folds the base snapshot with every pending delta for the
// entity, sorted by timestamp.
func (s *Store) EffectiveView(kind fitness.Kind, id string) (fitness.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveViewLocked(kind, id)
}

func (s *Store) effectiveViewLocked(kind fitness.Kind, id string) (fitness.Entity, bool) {
	base, ok := s.snapshots[entityKey(kind, id)]
	if !ok {
		return fitness.Entity{}, false
	}
	return fitness.Fold(base, s.deltasForLocked(kind, id)), true
}

func (s *Store) deltasForLocked(kind fitness.Kind, id string) []fitness.Delta {
	var out []fitness.Delta
	for _, delta := range s.deltas {
		if delta.Kind == kind && delta.EntityID == id {
			out = append(out, delta)
		}
	}
	return out
}

// ListEffective returns effective views of every entity of the kind owned by
// the user, sorted by id for deterministic output.
func (s *Store) ListEffective(kind fitness.Kind, userID string) []fitness.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fitness.Entity
	for _, base := range s.snapshots {
		if base.Kind != kind || base.UserID != userID {
			continue
		}
		out = append(out, fitness.Fold(base, s.deltasForLocked(kind, base.ID)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply is the single write path. The delta becomes visible to the very next
// read before the durable append returns; a durable failure rolls the
// overlay back to its exact pre-attempt state. Remote forwarding is
// enqueued and never blocks the caller.
func (s *Store) Apply(ctx context.Context, delta fitness.Delta) error {
	if delta.ID == "" || delta.EntityID == "" || delta.Kind == "" {
		return fmt.Errorf("incomplete delta: %+v", delta)
	}
	if delta.Timestamp.IsZero() {
		delta.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	if _, ok := s.snapshots[entityKey(delta.Kind, delta.EntityID)]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown entity %s/%s", delta.Kind, delta.EntityID)
	}
	s.deltas = append(s.deltas, delta)
	s.mu.Unlock()

	if err := s.persistDelta(delta); err != nil {
		s.mu.Lock()
		s.removeDeltaLocked(delta.ID)
		s.mu.Unlock()
		s.logger.Error("store.delta_persist_failed", "delta_id", delta.ID, "error", err.Error())
		return fmt.Errorf("%w: %v", ErrDurableLogUnavailable, err)
	}

	s.logger.Info("store.delta_appended",
		"delta_id", delta.ID,
		"kind", string(delta.Kind),
		"entity_id", delta.EntityID,
	)
	s.outbox.enqueue(delta.ID)
	return nil
}

func (s *Store) removeDeltaLocked(deltaID string) {
	for i, delta := range s.deltas {
		if delta.ID == deltaID {
			s.deltas = append(s.deltas[:i], s.deltas[i+1:]...)
			return
		}
	}
}

// markConfirmed records a confirmed remote write and compacts what it can.
func (s *Store) markConfirmed(deltaID string) {
	s.mu.Lock()
	s.confirmed[deltaID] = true
	s.mu.Unlock()
	s.compact()
}

// compact folds confirmed deltas into new base snapshots and drops them from
// the log. Only the oldest run of confirmed deltas per entity is absorbed so
// the effective view is unchanged: a confirmed delta newer than a pending
// one stays in the log until the pending one confirms.
func (s *Store) compact() {
	type absorbed struct {
		entity fitness.Entity
		deltas []fitness.Delta
	}

	s.mu.Lock()
	byEntity := make(map[string][]fitness.Delta)
	for _, delta := range s.deltas {
		key := entityKey(delta.Kind, delta.EntityID)
		byEntity[key] = append(byEntity[key], delta)
	}
	var results []absorbed
	for key, entityDeltas := range byEntity {
		fitness.SortDeltas(entityDeltas)
		var prefix []fitness.Delta
		for _, delta := range entityDeltas {
			if !s.confirmed[delta.ID] {
				break
			}
			prefix = append(prefix, delta)
		}
		if len(prefix) == 0 {
			continue
		}
		base := s.snapshots[key]
		next := fitness.Fold(base, prefix)
		s.snapshots[key] = next
		for _, delta := range prefix {
			s.removeDeltaLocked(delta.ID)
			delete(s.confirmed, delta.ID)
		}
		results = append(results, absorbed{entity: next, deltas: prefix})
	}
	s.mu.Unlock()

	for _, result := range results {
		if err := s.persistSnapshot(result.entity); err != nil {
			// The delta files must outlive their absorption until the new
			// base is durable, or a restart would replay the old base
			// without them.
			s.logger.Warn("store.compaction_snapshot_write_failed", "entity_id", result.entity.ID, "error", err.Error())
			continue
		}
		for _, delta := range result.deltas {
			s.removeDeltaFile(delta.ID)
			s.logger.Debug("store.delta_compacted", "delta_id", delta.ID, "entity_id", delta.EntityID)
		}
	}
}

// PendingDeltas returns a copy of the pending log, oldest first. Used by
// tests and diagnostics.
func (s *Store) PendingDeltas() []fitness.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fitness.Delta, len(s.deltas))
	copy(out, s.deltas)
	return out
}

// OutboxDepth reports how many deltas still await remote confirmation.
func (s *Store) OutboxDepth() int {
	return s.outbox.depth()
}

// Flush synchronously drains the outbox. Tests and shutdown only; normal
// operation never blocks on remote I/O.
func (s *Store) Flush(ctx context.Context) {
	s.outbox.drain(ctx)
}

func (s *Store) deltaByID(deltaID string) (fitness.Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, delta := range s.deltas {
		if delta.ID == deltaID {
			return delta, true
		}
	}
	return fitness.Delta{}, false
}

func (s *Store) initDirs() error {
	for _, dir := range []string{s.snapshotsDir(), s.deltasDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) snapshotsDir() string {
	return filepath.Join(s.dataDir, "state", "snapshots")
}

func (s *Store) deltasDir() string {
	return filepath.Join(s.dataDir, "state", "deltas")
}

func (s *Store) snapshotPath(entity fitness.Entity) string {
	name := string(entity.Kind) + "-" + entity.ID + ".json"
	return filepath.Join(s.snapshotsDir(), name)
}

func (s *Store) deltaPath(deltaID string) string {
	return filepath.Join(s.deltasDir(), deltaID+".json")
}

func (s *Store) persistSnapshot(entity fitness.Entity) error {
	return writeJSONAtomic(s.snapshotPath(entity), entity)
}

func (s *Store) persistDelta(delta fitness.Delta) error {
	return writeJSONAtomic(s.deltaPath(delta.ID), delta)
}

func (s *Store) removeDeltaFile(deltaID string) {
	if err := os.Remove(s.deltaPath(deltaID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("store.delta_file_remove_failed", "delta_id", deltaID, "error", err.Error())
	}
}

// recover reloads base snapshots and unconfirmed deltas after a restart and
// re-queues the deltas for remote forwarding.
func (s *Store) recover() error {
	snapshots, err := os.ReadDir(s.snapshotsDir())
	if err != nil {
		return err
	}
	for _, entry := range snapshots {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var entity fitness.Entity
		if err := readJSON(filepath.Join(s.snapshotsDir(), entry.Name()), &entity); err != nil {
			s.logger.Warn("store.snapshot_recover_failed", "file", entry.Name(), "error", err.Error())
			continue
		}
		s.snapshots[entityKey(entity.Kind, entity.ID)] = entity
	}

	deltaFiles, err := os.ReadDir(s.deltasDir())
	if err != nil {
		return err
	}
	var recovered []fitness.Delta
	for _, entry := range deltaFiles {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var delta fitness.Delta
		if err := readJSON(filepath.Join(s.deltasDir(), entry.Name()), &delta); err != nil {
			s.logger.Warn("store.delta_recover_failed", "file", entry.Name(), "error", err.Error())
			continue
		}
		recovered = append(recovered, delta)
	}
	fitness.SortDeltas(recovered)
	s.deltas = recovered
	for _, delta := range recovered {
		s.outbox.enqueue(delta.ID)
	}
	if len(recovered) > 0 {
		s.logger.Info("store.recovered_pending_deltas", "count", len(recovered))
	}
	return nil
}
