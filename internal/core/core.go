package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/artifact"
	"inferd/internal/batch"
	"inferd/internal/governor"
	"inferd/internal/metrics"
	"inferd/internal/registry"
	"inferd/internal/session"
	"inferd/pkg/types"
)

// Core wires the governor, cache, pool, and scheduler together and owns
// their background tasks. All public operations are safe for concurrent use.
type Core struct {
	cfg   Config
	log   zerolog.Logger
	agg   *metrics.Aggregator
	gov   *governor.Governor
	cache *artifact.Cache
	pool  *session.Pool
	sched *batch.Scheduler
	reg   *registry.Registry

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a stopped core from cfg. Call Start to launch background
// tasks and Close to tear everything down.
func New(cfg Config) (*Core, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	models := cfg.Registry
	if models == nil && cfg.ModelsDir != "" {
		models, err = registry.LoadDir(cfg.ModelsDir)
		if err != nil {
			return nil, err
		}
	}

	agg := metrics.NewAggregator()
	gov := governor.New(governor.Config{Budget: cfg.Budget, Log: cfg.Log, Metrics: agg})
	pool := session.NewPool(session.Config{
		Backend:     cfg.Backend,
		Governor:    gov,
		MaxSessions: cfg.MaxSessions,
		Log:         cfg.Log,
		Metrics:     agg,
	})
	// A loaded session pins its artifact: eviction may never orphan a live
	// session, only explicit invalidation unloads first.
	cache, err := artifact.Open(artifact.Config{
		Dir:      cfg.CacheDir,
		MaxBytes: cfg.MaxCacheBytes,
		Policy:   cfg.EvictionPolicy,
		Pinned:   pool.Loaded,
		Log:      cfg.Log,
		Metrics:  agg,
	})
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:    cfg,
		log:    cfg.Log,
		agg:    agg,
		gov:    gov,
		cache:  cache,
		pool:   pool,
		reg:    registry.New(models),
		stopCh: make(chan struct{}),
	}
	c.sched = batch.New(batch.Config{
		MaxBatchSize:   cfg.MaxBatchSize,
		BatchTimeout:   cfg.BatchTimeout,
		SweepInterval:  cfg.SweepInterval,
		RequestTimeout: cfg.RequestTimeout,
		MaxQueueDepth:  cfg.MaxQueueDepth,
		Disabled:       cfg.DisableBatching,
		Log:            cfg.Log,
		Metrics:        agg,
	}, c)
	return c, nil
}

// Start launches the deadline sweep and the idle-session optimizer.
func (c *Core) Start() {
	c.startOnce.Do(func() {
		c.sched.Start()
		c.wg.Add(1)
		go c.idleLoop()
		c.log.Info().Str("event", "core_start").Int("models", c.reg.Len()).Msg("serving core started")
	})
}

// Close stops background tasks, cancels queued requests, waits for
// in-flight dispatches, and unloads every session.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.sched.Close()
		c.wg.Wait()
		c.pool.Close()
		c.log.Info().Str("event", "core_stop").Msg("serving core stopped")
	})
}

// AllocateResources admits a caller-managed allocation against the budget.
func (c *Core) AllocateResources(req types.ResourceRequest) (governor.Allocation, error) {
	return c.gov.Allocate(req)
}

// ReleaseResources releases a caller-managed allocation; unknown ids are a
// logged no-op.
func (c *Core) ReleaseResources(allocationID string) {
	c.gov.Release(allocationID)
}

// Usage reports governor totals and headroom.
func (c *Core) Usage() types.UsageSnapshot { return c.gov.Usage() }

// SetResourceLimits replaces the budget; only future admissions see it.
func (c *Core) SetResourceLimits(b types.ResourceBudget) { c.gov.SetLimits(b) }

// CacheModel caches the model's artifact and returns its cache key. With an
// empty source the registry resolves the model id.
func (c *Core) CacheModel(modelID, source string) (string, error) {
	if source == "" {
		mdl, ok := c.reg.Lookup(modelID)
		if !ok {
			return "", modelNotFoundError{id: modelID}
		}
		source = mdl.Path
	}
	return c.cache.GetOrLoad(modelID, source)
}

// GetCachedModel returns the on-disk artifact path for a cached model.
func (c *Core) GetCachedModel(modelID string) (string, error) {
	p, ok := c.cache.Path(modelID)
	if !ok {
		return "", modelNotFoundError{id: modelID}
	}
	return p, nil
}

// InvalidateModel drops the cached artifact and unloads any live session
// first: a session never outlives its artifact. Missing ids are a no-op.
func (c *Core) InvalidateModel(modelID string) {
	if err := c.pool.Unload(modelID); err != nil && !session.IsNotLoaded(err) {
		c.log.Warn().Str("event", "invalidate_unload").Str("model", modelID).Err(err).Msg("unload before invalidate")
	}
	c.cache.Invalidate(modelID)
}

// Submit queues an inference request and returns its result channel.
func (c *Core) Submit(ctx context.Context, req types.InferenceRequest) (<-chan types.InferenceResult, error) {
	return c.sched.Submit(ctx, req)
}

// Models lists the registered models.
func (c *Core) Models() []types.Model { return c.reg.List() }

// Sessions reports currently loaded sessions.
func (c *Core) Sessions() []session.SessionStatus { return c.pool.Status() }

// Metrics assembles a point-in-time snapshot across all components.
func (c *Core) Metrics() types.MetricsSnapshot {
	snap := c.agg.Snapshot()
	snap.Cache = c.cache.Stats()
	snap.Resources = c.gov.Usage()
	snap.LoadedSessions = c.pool.Count()
	return snap
}

// ExecuteBatch implements batch.Executor: ensure the model is cached and
// its session loaded, then run the batch through the pool.
func (c *Core) ExecuteBatch(ctx context.Context, modelID string, inputs []types.Payload) ([]session.ExecResult, error) {
	if err := c.ensureLoaded(ctx, modelID); err != nil {
		return nil, err
	}
	return c.pool.Execute(ctx, modelID, inputs)
}

// ensureLoaded makes the session for modelID exist: resolve the source,
// cache the artifact (hit or cold copy), and load. Load itself is
// idempotent and deduplicates concurrent callers.
func (c *Core) ensureLoaded(ctx context.Context, modelID string) error {
	if c.pool.Loaded(modelID) {
		return nil
	}
	mdl, registered := c.reg.Lookup(modelID)
	if registered {
		if _, err := c.cache.GetOrLoad(modelID, mdl.Path); err != nil {
			return err
		}
	}
	path, ok := c.cache.Path(modelID)
	if !ok {
		// Not registered and not previously cached via CacheModel.
		return modelNotFoundError{id: modelID}
	}
	_, err := c.pool.Load(ctx, modelID, path, c.cfg.Execution)
	return err
}

// idleLoop periodically unloads sessions idle past the configured TTL. The
// disk cache is untouched; artifacts stay available for fast reloads.
func (c *Core) idleLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.pool.OptimizeIdle(c.cfg.IdleSessionTTL); n > 0 {
				c.log.Info().Str("event", "idle_optimize").Int("unloaded", n).Msg("idle sessions unloaded")
			}
		}
	}
}
