package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// outbox forwards pending deltas to the remote store in the background. The
// remote has whole-document semantics, so each delta is materialized as the
// entity's current effective view before the put. Failures are retried with
// capped backoff; an exhausted item is logged and left in the durable log so
// a restart re-queues it.
type outbox struct {
	store     *Store
	logger    *slog.Logger
	retryMax  int
	baseDelay time.Duration
	maxDelay  time.Duration

	mu    sync.Mutex
	queue []outboxItem
	wake  chan struct{}
}

type outboxItem struct {
	deltaID   string
	attempts  int
	notBefore time.Time
}

func newOutbox(s *Store, logger *slog.Logger) *outbox {
	return &outbox{
		store:     s,
		logger:    logger,
		retryMax:  5,
		baseDelay: 500 * time.Millisecond,
		maxDelay:  30 * time.Second,
		wake:      make(chan struct{}, 1),
	}
}

func (o *outbox) enqueue(deltaID string) {
	o.mu.Lock()
	o.queue = append(o.queue, outboxItem{deltaID: deltaID})
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// pop returns the first item whose retry delay has elapsed. Items still in
// backoff are skipped in place, so one failing delta does not hold up the
// rest of the queue.
func (o *outbox) pop(now time.Time) (outboxItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, item := range o.queue {
		if item.notBefore.After(now) {
			continue
		}
		o.queue = append(o.queue[:i], o.queue[i+1:]...)
		return item, true
	}
	return outboxItem{}, false
}

func (o *outbox) requeue(item outboxItem) {
	o.mu.Lock()
	o.queue = append(o.queue, item)
	o.mu.Unlock()
}

func (o *outbox) start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
			case <-time.After(5 * time.Second):
			}
			o.step(ctx)
		}
	}()
}

// drain processes the queue until it is empty or ctx expires. Retry delays
// still apply, so callers should bound ctx.
func (o *outbox) drain(ctx context.Context) {
	for o.depth() > 0 {
		if ctx.Err() != nil {
			return
		}
		if o.step(ctx) == 0 {
			// Everything left is waiting out a backoff.
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

func (o *outbox) step(ctx context.Context) int {
	processed := 0
	for {
		item, ok := o.pop(time.Now())
		if !ok {
			return processed
		}
		if ctx.Err() != nil {
			o.requeue(item)
			return processed
		}
		o.forward(ctx, item)
		processed++
	}
}

func (o *outbox) forward(ctx context.Context, item outboxItem) {
	delta, ok := o.store.deltaByID(item.deltaID)
	if !ok {
		// Already compacted away by a sibling delta's confirmation.
		return
	}
	view, ok := o.store.EffectiveView(delta.Kind, delta.EntityID)
	if !ok {
		o.logger.Warn("store.outbox_entity_missing", "delta_id", delta.ID, "entity_id", delta.EntityID)
		return
	}
	doc, err := json.Marshal(view)
	if err != nil {
		o.logger.Error("store.outbox_encode_failed", "delta_id", delta.ID, "error", err.Error())
		return
	}

	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = o.store.remote.PutDocument(putCtx, view.DocumentPath(), doc)
	cancel()
	if err == nil {
		o.logger.Info("store.outbox_forwarded", "delta_id", delta.ID, "path", view.DocumentPath())
		o.store.markConfirmed(delta.ID)
		return
	}

	item.attempts++
	if item.attempts >= o.retryMax {
		o.logger.Error("store.outbox_retries_exhausted",
			"delta_id", delta.ID,
			"attempts", item.attempts,
			"error", err.Error(),
		)
		return
	}
	delay := o.backoff(item.attempts)
	item.notBefore = time.Now().Add(delay)
	o.logger.Warn("store.outbox_forward_failed",
		"delta_id", delta.ID,
		"attempt", item.attempts,
		"retry_in", delay.String(),
		"error", err.Error(),
	)
	o.requeue(item)
}

func (o *outbox) backoff(attempt int) time.Duration {
	delay := o.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.maxDelay {
			return o.maxDelay
		}
	}
	return delay
}
