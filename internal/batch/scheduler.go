// Package batch accepts inference requests, groups them per model into
// batches by size and age, enforces per-request deadlines with one shared
// sweep, and dispatches to an Executor. Every submitted request reaches
// exactly one terminal state.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/metrics"
	"inferd/internal/session"
	"inferd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxBatchSize   = 8
	defaultBatchTimeout   = 20 * time.Millisecond
	defaultSweepInterval  = 2 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
)

// Executor runs a formed batch. The scheduler only knows "dispatched, later
// resolved"; whether the backend batches natively or runs items one by one
// is invisible here.
type Executor interface {
	ExecuteBatch(ctx context.Context, modelID string, inputs []types.Payload) ([]session.ExecResult, error)
}

// Config carries Scheduler construction options.
type Config struct {
	// MaxBatchSize dispatches a queue as soon as it holds this many items.
	MaxBatchSize int
	// BatchTimeout dispatches a partial batch once its oldest item has
	// waited this long.
	BatchTimeout time.Duration
	// SweepInterval is the shared deadline/age sweep period.
	SweepInterval time.Duration
	// RequestTimeout applies to requests submitted without a timeout.
	RequestTimeout time.Duration
	// MaxQueueDepth bounds each model queue; zero is unbounded.
	MaxQueueDepth int
	// Disabled turns dynamic batching off: every request dispatches alone
	// as soon as it is submitted.
	Disabled bool

	Log     zerolog.Logger
	Metrics *metrics.Aggregator
}

// Scheduler owns the per-model queues and the background sweep.
type Scheduler struct {
	cfg  Config
	exec Executor

	mu      sync.RWMutex
	queues  map[string]*modelQueue
	started bool
	closed  bool

	stopCh    chan struct{}
	sweepDone chan struct{}
	wg        sync.WaitGroup

	log zerolog.Logger
	agg *metrics.Aggregator
}

func New(cfg Config, exec Executor) *Scheduler {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Scheduler{
		cfg:       cfg,
		exec:      exec,
		queues:    make(map[string]*modelQueue),
		stopCh:    make(chan struct{}),
		sweepDone: make(chan struct{}),
		log:       cfg.Log,
		agg:       cfg.Metrics,
	}
}

// Start launches the shared deadline sweep.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.sweepLoop()
}

// Close stops the sweep, resolves everything still queued as cancelled, and
// waits for in-flight dispatches to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		<-s.sweepDone
	}

	for _, ref := range s.queueRefs() {
		for _, it := range ref.q.pop(1 << 30) {
			s.resolve(it, types.InferenceResult{
				State: types.StateCancelled,
				Err:   ErrSchedulerClosed,
			})
		}
	}
	s.wg.Wait()
}

// Submit queues a request and returns the channel its result will arrive
// on. The channel is buffered; the result never blocks on a slow reader.
func (s *Scheduler) Submit(ctx context.Context, req types.InferenceRequest) (<-chan types.InferenceResult, error) {
	if req.Model == "" {
		return nil, missingModelError{}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timeout <= 0 {
		req.Timeout = s.cfg.RequestTimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now()
	it := &item{
		req:        req,
		ctx:        ctx,
		enqueued:   now,
		deadline:   now.Add(req.Timeout),
		resultCh:   make(chan types.InferenceResult, 1),
		dispatched: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	q, ok := s.queues[req.Model]
	if !ok {
		q = &modelQueue{}
		s.queues[req.Model] = q
	}
	s.mu.Unlock()

	if s.cfg.Disabled {
		// Batching off: the request dispatches alone, skipping the queue.
		close(it.dispatched)
		s.startDispatch(req.Model, []*item{it})
		return it.resultCh, nil
	}

	n, ok := q.insert(it, s.cfg.MaxQueueDepth)
	if !ok {
		return nil, queueFullError{modelID: req.Model, depth: n}
	}
	s.log.Debug().Str("event", "submit").Str("model", req.Model).Str("request_id", req.ID).
		Str("priority", req.Priority.String()).Int("queue_len", n).Msg("request queued")

	// Re-check after insert: Close may have drained the queues between the
	// closed check and the insert.
	s.mu.RLock()
	closedNow := s.closed
	s.mu.RUnlock()
	if closedNow && q.take(it) {
		s.resolve(it, types.InferenceResult{State: types.StateCancelled, Err: ErrSchedulerClosed})
		return it.resultCh, nil
	}

	// Every queued item gets a watcher: a size-trigger pop below may not
	// include this item, and an unwatched item would ignore cancellation
	// until the sweep reaches it. Dispatch stops redundant watchers.
	go s.watchCancel(it, q)

	if n >= s.cfg.MaxBatchSize {
		if batch := q.pop(s.cfg.MaxBatchSize); len(batch) > 0 {
			s.startDispatch(req.Model, batch)
		}
	}
	return it.resultCh, nil
}

// Depth reports the queued count for a model, for status and tests.
func (s *Scheduler) Depth(modelID string) int {
	s.mu.RLock()
	q := s.queues[modelID]
	s.mu.RUnlock()
	if q == nil {
		return 0
	}
	return q.len()
}

// watchCancel resolves a still-queued item as cancelled when its context
// fires. Once dispatched, cancellation is cooperative only and not honored.
func (s *Scheduler) watchCancel(it *item, q *modelQueue) {
	select {
	case <-it.ctx.Done():
		if q.take(it) {
			s.resolve(it, types.InferenceResult{
				State: types.StateCancelled,
				Err:   it.ctx.Err(),
			})
		}
	case <-it.dispatched:
	case <-s.stopCh:
	}
}

type queueRef struct {
	model string
	q     *modelQueue
}

func (s *Scheduler) queueRefs() []queueRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]queueRef, 0, len(s.queues))
	for model, q := range s.queues {
		out = append(out, queueRef{model: model, q: q})
	}
	return out
}

// sweepLoop is the one goroutine that touches every queue. Each pass takes
// each queue lock briefly: expire deadlines, then dispatch aged partial
// batches.
func (s *Scheduler) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Scheduler) sweep(now time.Time) {
	for _, ref := range s.queueRefs() {
		for _, it := range ref.q.expire(now) {
			s.log.Debug().Str("event", "request_timeout").Str("model", ref.model).
				Str("request_id", it.req.ID).Dur("waited", now.Sub(it.enqueued)).Msg("queued request expired")
			s.resolve(it, types.InferenceResult{
				State: types.StateTimedOut,
				Err:   requestTimeoutError{requestID: it.req.ID, timeout: it.req.Timeout},
			})
		}
		for {
			batch := ref.q.popAged(now, s.cfg.BatchTimeout, s.cfg.MaxBatchSize)
			if len(batch) == 0 {
				break
			}
			s.startDispatch(ref.model, batch)
		}
	}
}

// startDispatch launches the batch goroutine. The wg.Add is taken under the
// same lock Close reads, so no dispatch goroutine can start after Close has
// begun waiting; a batch formed during shutdown resolves as cancelled.
func (s *Scheduler) startDispatch(model string, items []*item) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, it := range items {
			s.resolve(it, types.InferenceResult{
				State: types.StateCancelled,
				Err:   ErrSchedulerClosed,
			})
		}
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	for _, it := range items {
		select {
		case <-it.dispatched:
		default:
			close(it.dispatched)
		}
	}
	go s.dispatch(model, items)
}

// dispatch executes one formed batch and resolves each member
// independently; one failing item never fails its siblings.
func (s *Scheduler) dispatch(model string, items []*item) {
	defer s.wg.Done()
	s.agg.BatchDispatched(len(items))
	dispatchAt := time.Now()
	s.log.Debug().Str("event", "dispatch").Str("model", model).Int("batch_size", len(items)).Msg("batch dispatched")

	// The batch context lives until the latest member deadline, so an
	// early-deadline sibling cannot cut execution short for the others.
	latest := items[0].deadline
	inputs := make([]types.Payload, len(items))
	for i, it := range items {
		inputs[i] = it.req.Input
		if it.deadline.After(latest) {
			latest = it.deadline
		}
	}
	ctx, cancel := context.WithDeadline(context.Background(), latest)
	defer cancel()

	results, err := s.exec.ExecuteBatch(ctx, model, inputs)
	if err != nil {
		// Batch-level failure (load, admission, backend unavailable):
		// every member resolves independently with the same cause. A slot
		// wait that ran out the deadline counts as a timeout, not a failure.
		state := types.StateFailed
		if errors.Is(err, context.DeadlineExceeded) {
			state = types.StateTimedOut
		}
		for _, it := range items {
			s.resolve(it, types.InferenceResult{
				State:     state,
				Err:       err,
				QueueTime: dispatchAt.Sub(it.enqueued),
				ExecTime:  time.Since(dispatchAt),
			})
		}
		s.log.Warn().Str("event", "dispatch_failed").Str("model", model).
			Int("batch_size", len(items)).Err(err).Msg("batch execution failed")
		return
	}

	execTime := time.Since(dispatchAt)
	for i, it := range items {
		res := types.InferenceResult{
			QueueTime: dispatchAt.Sub(it.enqueued),
			ExecTime:  execTime,
		}
		if results[i].Err != nil {
			res.State = types.StateFailed
			res.Err = results[i].Err
		} else {
			res.State = types.StateCompleted
			res.Output = results[i].Output
		}
		s.resolve(it, res)
	}
}

// resolve delivers the terminal result for an item. Queue removal semantics
// guarantee a single resolver per item.
func (s *Scheduler) resolve(it *item, res types.InferenceResult) {
	res.RequestID = it.req.ID
	it.resultCh <- res
	s.agg.RequestResolved(it.req.Model, res.State, res.QueueTime, res.ExecTime)
}
