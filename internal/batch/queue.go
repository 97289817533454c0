package batch

import (
	"context"
	"sync"
	"time"

	"inferd/pkg/types"
)

// item is one queued request plus its resolution plumbing. An item is
// resolved exactly once, by whoever removes it from the queue (dispatch,
// sweep expiry, cancellation watcher, or shutdown).
type item struct {
	req      types.InferenceRequest
	ctx      context.Context
	enqueued time.Time
	deadline time.Time
	resultCh chan types.InferenceResult
	// dispatched is closed when the item leaves the queue for dispatch,
	// which stops the cancellation watcher.
	dispatched chan struct{}
}

// modelQueue holds queued items for one model under its own lock, so
// contention on one model's queue never blocks another model's.
type modelQueue struct {
	mu    sync.Mutex
	items []*item
}

// insert places it by priority, keeping FIFO order within equal priority.
// Fails when maxDepth is reached. Returns the queue length after insert.
func (q *modelQueue) insert(it *item, maxDepth int) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxDepth > 0 && len(q.items) >= maxDepth {
		return len(q.items), false
	}
	i := len(q.items)
	for ; i > 0; i-- {
		if q.items[i-1].req.Priority >= it.req.Priority {
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
	return len(q.items), true
}

// take removes it if still queued. The caller owns resolution on true.
func (q *modelQueue) take(it *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.items {
		if cur == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// pop removes up to n items from the head of the queue.
func (q *modelQueue) pop(n int) []*item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked(n)
}

func (q *modelQueue) popLocked(n int) []*item {
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	out := make([]*item, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

// expire removes every item whose deadline has passed, leaving the rest of
// the queue untouched.
func (q *modelQueue) expire(now time.Time) []*item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*item
	kept := q.items[:0]
	for _, it := range q.items {
		if now.After(it.deadline) {
			expired = append(expired, it)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return expired
}

// popAged pops up to n items when the oldest queued item has waited at
// least age. Priority ordering can move newer items ahead, so the oldest
// enqueue time is scanned, not read from the head.
func (q *modelQueue) popAged(now time.Time, age time.Duration, n int) []*item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	oldest := q.items[0].enqueued
	for _, it := range q.items[1:] {
		if it.enqueued.Before(oldest) {
			oldest = it.enqueued
		}
	}
	if now.Sub(oldest) < age {
		return nil
	}
	return q.popLocked(n)
}

func (q *modelQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
