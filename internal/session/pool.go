// Package session manages the lifecycle of loaded model execution handles:
// one session per model id, bounded load concurrency, bounded execution
// workers, and resource admission through the governor before every load.
package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"inferd/internal/governor"
	"inferd/internal/metrics"
	"inferd/pkg/types"
)

const defaultMaxSessions = 4

// Session is a loaded model execution handle. The pool is its sole owner;
// the backend handle is never exposed.
type Session struct {
	ModelID  string
	Provider string
	LoadedAt time.Time

	handle  Handle
	allocID string
	// Guarded by the pool mutex.
	lastUsed      time.Time
	inUse         int
	pendingUnload bool
}

// SessionStatus is a read-only projection for status reporting.
type SessionStatus struct {
	ModelID       string    `json:"model_id"`
	Provider      string    `json:"provider"`
	LoadedAt      time.Time `json:"loaded_at"`
	LastUsed      time.Time `json:"last_used"`
	InUse         int       `json:"in_use"`
	PendingUnload bool      `json:"pending_unload"`
}

// Config carries Pool construction options.
type Config struct {
	Backend  Backend
	Governor *governor.Governor
	// MaxSessions bounds concurrently loaded sessions; the execution worker
	// pool is sized to the same limit to avoid oversubscription.
	MaxSessions int
	Log         zerolog.Logger
	Metrics     *metrics.Aggregator
}

// Pool holds loaded sessions and delegates execution to the backend.
type Pool struct {
	backend Backend
	gov     *governor.Governor
	// sessionSlots is held for the lifetime of a loaded session; execSlots
	// only for the duration of one backend call. Both waits are bounded by
	// the caller's context.
	sessionSlots chan struct{}
	execSlots    chan struct{}
	group        singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session

	log zerolog.Logger
	agg *metrics.Aggregator
}

func NewPool(cfg Config) *Pool {
	n := cfg.MaxSessions
	if n <= 0 {
		n = defaultMaxSessions
	}
	return &Pool{
		backend:      cfg.Backend,
		gov:          cfg.Governor,
		sessionSlots: make(chan struct{}, n),
		execSlots:    make(chan struct{}, n),
		sessions:     make(map[string]*Session),
		log:          cfg.Log,
		agg:          cfg.Metrics,
	}
}

// Load returns the session for modelID, creating it if needed. Creation is
// idempotent: concurrent loads of the same model collapse into exactly one
// backend LoadModel call. The wait for a free session slot is bounded by
// ctx. On backend failure the reserved allocation is released before the
// error propagates.
func (p *Pool) Load(ctx context.Context, modelID, artifactPath string, cfg types.ExecutionConfig) (*Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[modelID]; ok {
		s.lastUsed = time.Now()
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(modelID, func() (any, error) {
		return p.load(ctx, modelID, artifactPath, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (p *Pool) load(ctx context.Context, modelID, artifactPath string, cfg types.ExecutionConfig) (*Session, error) {
	// Re-check: a concurrent flight may have finished between the fast path
	// and joining the group.
	p.mu.Lock()
	if s, ok := p.sessions[modelID]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	select {
	case p.sessionSlots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	est, err := artifactSize(artifactPath)
	if err != nil {
		<-p.sessionSlots
		return nil, loadFailureError{modelID: modelID, cause: err}
	}
	req := types.ResourceRequest{MemoryBytes: est, Owner: modelID}
	if usesAccelerator(cfg.Provider) {
		req.AcceleratorBytes = est
	}
	alloc, err := p.gov.Allocate(req)
	if err != nil {
		<-p.sessionSlots
		return nil, err
	}

	start := time.Now()
	h, err := p.backend.LoadModel(ctx, artifactPath, cfg)
	if err != nil {
		p.gov.Release(alloc.ID)
		<-p.sessionSlots
		p.log.Error().Str("event", "load_failed").Str("model", modelID).Err(err).Msg("backend rejected load")
		return nil, loadFailureError{modelID: modelID, cause: err}
	}

	s := &Session{
		ModelID:  modelID,
		Provider: cfg.Provider,
		LoadedAt: time.Now(),
		handle:   h,
		allocID:  alloc.ID,
		lastUsed: time.Now(),
	}
	p.mu.Lock()
	p.sessions[modelID] = s
	n := len(p.sessions)
	p.mu.Unlock()
	p.agg.SessionsLoaded(n)
	p.log.Info().Str("event", "load_ready").Str("model", modelID).
		Dur("dur", time.Since(start)).Int64("est_bytes", est).Msg("session loaded")
	return s, nil
}

// ExecResult resolves one batch member. Failures are isolated per item.
type ExecResult struct {
	Output types.Payload
	Err    error
}

// Execute runs the inputs against modelID's session under an execution
// worker slot. When the backend supports native batching the whole batch
// goes down in one call; otherwise members run sequentially. Either way
// each input resolves independently.
func (p *Pool) Execute(ctx context.Context, modelID string, inputs []types.Payload) ([]ExecResult, error) {
	p.mu.Lock()
	s, ok := p.sessions[modelID]
	if !ok {
		p.mu.Unlock()
		return nil, notLoadedError{modelID: modelID}
	}
	s.inUse++
	s.lastUsed = time.Now()
	p.mu.Unlock()
	defer p.finishExecute(s)

	select {
	case p.execSlots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.execSlots }()

	results := make([]ExecResult, len(inputs))
	if br, ok := p.backend.(BatchRunner); ok && len(inputs) > 1 {
		outs, err := br.RunBatch(ctx, s.handle, inputs)
		if err != nil || len(outs) != len(inputs) {
			if err == nil {
				err = errShortBatch
			}
			for i := range results {
				results[i].Err = execFailureError{modelID: modelID, cause: err}
			}
			return results, nil
		}
		for i := range outs {
			results[i].Output = outs[i]
		}
		return results, nil
	}

	for i, in := range inputs {
		out, err := p.backend.Run(ctx, s.handle, in)
		if err != nil {
			results[i].Err = execFailureError{modelID: modelID, cause: err}
			continue
		}
		results[i].Output = out
	}
	return results, nil
}

// finishExecute decrements in-use and performs a deferred unload when this
// was the last in-flight execution.
func (p *Pool) finishExecute(s *Session) {
	p.mu.Lock()
	s.inUse--
	s.lastUsed = time.Now()
	var victim *Session
	if s.pendingUnload && s.inUse == 0 {
		delete(p.sessions, s.ModelID)
		victim = s
	}
	n := len(p.sessions)
	p.mu.Unlock()
	if victim != nil {
		p.agg.SessionsLoaded(n)
		p.teardown(victim, "deferred")
	}
}

// Unload removes the session for modelID. With executions in flight the
// unload is deferred until the in-use count reaches zero.
func (p *Pool) Unload(modelID string) error {
	p.mu.Lock()
	s, ok := p.sessions[modelID]
	if !ok {
		p.mu.Unlock()
		return notLoadedError{modelID: modelID}
	}
	if s.inUse > 0 {
		s.pendingUnload = true
		p.mu.Unlock()
		p.log.Info().Str("event", "unload_deferred").Str("model", modelID).Msg("unload deferred until idle")
		return nil
	}
	delete(p.sessions, modelID)
	n := len(p.sessions)
	p.mu.Unlock()
	p.agg.SessionsLoaded(n)
	p.teardown(s, "requested")
	return nil
}

// OptimizeIdle unloads sessions idle since before the threshold with no
// executions in flight. The disk cache is untouched: a model may stay
// cached while its session is gone. Returns the number unloaded.
func (p *Pool) OptimizeIdle(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	p.mu.Lock()
	var victims []*Session
	for id, s := range p.sessions {
		if s.inUse == 0 && s.lastUsed.Before(cutoff) {
			delete(p.sessions, id)
			victims = append(victims, s)
		}
	}
	n := len(p.sessions)
	p.mu.Unlock()
	if len(victims) > 0 {
		p.agg.SessionsLoaded(n)
	}
	for _, s := range victims {
		p.teardown(s, "idle")
	}
	return len(victims)
}

// Close unloads every session. Pending work should be drained first.
func (p *Pool) Close() {
	p.mu.Lock()
	victims := make([]*Session, 0, len(p.sessions))
	for id, s := range p.sessions {
		delete(p.sessions, id)
		victims = append(victims, s)
	}
	p.mu.Unlock()
	p.agg.SessionsLoaded(0)
	for _, s := range victims {
		p.teardown(s, "close")
	}
}

// teardown releases the backend handle, the resource allocation, and the
// session slot, in that order.
func (p *Pool) teardown(s *Session, reason string) {
	if err := p.backend.UnloadModel(s.handle); err != nil {
		p.log.Warn().Str("event", "unload_backend").Str("model", s.ModelID).Err(err).Msg("backend unload")
	}
	p.gov.Release(s.allocID)
	<-p.sessionSlots
	p.log.Info().Str("event", "unload_done").Str("model", s.ModelID).Str("reason", reason).Msg("session unloaded")
}

// Loaded reports whether a session exists for modelID.
func (p *Pool) Loaded(modelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[modelID]
	return ok
}

// Count returns the number of loaded sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Status returns a snapshot of loaded sessions.
func (p *Pool) Status() []SessionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionStatus, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, SessionStatus{
			ModelID:       s.ModelID,
			Provider:      s.Provider,
			LoadedAt:      s.LoadedAt,
			LastUsed:      s.lastUsed,
			InUse:         s.inUse,
			PendingUnload: s.pendingUnload,
		})
	}
	return out
}

// artifactSize returns the load resource estimate for an artifact, a
// conservative minimum of one byte when the file is empty.
func artifactSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.Size() <= 0 {
		return 1, nil
	}
	return fi.Size(), nil
}

// usesAccelerator reports whether the provider reserves accelerator memory.
func usesAccelerator(provider string) bool {
	switch strings.ToLower(provider) {
	case "", "cpu":
		return false
	default:
		return true
	}
}
