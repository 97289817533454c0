// Package governor implements budgeted admission control for CPU, memory,
// and accelerator memory. All bookkeeping is plain arithmetic serialized
// under one mutex; the governor never blocks and never grants past the
// configured budget.
package governor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/metrics"
	"inferd/pkg/types"
)

// Allocation is a granted reservation against the budget. It is owned
// exclusively by the Governor and destroyed on Release.
type Allocation struct {
	ID               string
	CPUPercent       float64
	MemoryBytes      int64
	AcceleratorBytes int64
	Owner            string
	CreatedAt        time.Time
}

// Config carries Governor construction options.
type Config struct {
	Budget  types.ResourceBudget
	Log     zerolog.Logger
	Metrics *metrics.Aggregator
}

// Governor tracks the budget and the set of active allocations.
type Governor struct {
	mu     sync.Mutex
	budget types.ResourceBudget
	active map[string]Allocation
	log    zerolog.Logger
	agg    *metrics.Aggregator
}

func New(cfg Config) *Governor {
	return &Governor{
		budget: cfg.Budget,
		active: make(map[string]Allocation),
		log:    cfg.Log,
		agg:    cfg.Metrics,
	}
}

// Allocate admits the request against the remaining budget, component-wise.
// A zero budget component is unconstrained. On success the granted values
// equal the requested values; the governor never grants more than requested
// nor more than available.
func (g *Governor) Allocate(req types.ResourceRequest) (Allocation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.budget
	if b.MaxAllocations > 0 && len(g.active) >= b.MaxAllocations {
		g.agg.AdmissionDenied("allocations")
		return Allocation{}, admissionDeniedError{component: "allocations", owner: req.Owner}
	}
	used := g.usedLocked()
	if b.MaxCPUPercent > 0 && req.CPUPercent > b.MaxCPUPercent-used.CPUPercent {
		g.agg.AdmissionDenied("cpu")
		return Allocation{}, admissionDeniedError{component: "cpu", owner: req.Owner}
	}
	if b.MaxMemoryBytes > 0 && req.MemoryBytes > b.MaxMemoryBytes-used.MemoryBytes {
		g.agg.AdmissionDenied("memory")
		return Allocation{}, admissionDeniedError{component: "memory", owner: req.Owner}
	}
	if b.MaxAcceleratorBytes > 0 && req.AcceleratorBytes > b.MaxAcceleratorBytes-used.AcceleratorBytes {
		g.agg.AdmissionDenied("accelerator")
		return Allocation{}, admissionDeniedError{component: "accelerator", owner: req.Owner}
	}

	a := Allocation{
		ID:               uuid.NewString(),
		CPUPercent:       req.CPUPercent,
		MemoryBytes:      req.MemoryBytes,
		AcceleratorBytes: req.AcceleratorBytes,
		Owner:            req.Owner,
		CreatedAt:        time.Now(),
	}
	g.active[a.ID] = a
	g.agg.AllocationsActive(len(g.active))
	g.log.Debug().Str("event", "allocate").Str("owner", req.Owner).Str("alloc_id", a.ID).
		Int64("memory_bytes", a.MemoryBytes).Int64("accelerator_bytes", a.AcceleratorBytes).
		Msg("resources admitted")
	return a, nil
}

// Release returns an allocation to the budget. Releasing an unknown id is a
// logged no-op, so callers may release unconditionally on cleanup paths.
func (g *Governor) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.active[id]
	if !ok {
		g.log.Warn().Str("event", "release_unknown").Str("alloc_id", id).Msg("release of unknown allocation ignored")
		return
	}
	delete(g.active, id)
	g.agg.AllocationsActive(len(g.active))
	g.log.Debug().Str("event", "release").Str("owner", a.Owner).Str("alloc_id", id).Msg("resources released")
}

// Usage reports current totals and headroom. Available components are zero
// when the corresponding budget component is unconstrained.
func (g *Governor) Usage() types.UsageSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.usedLocked()
	s.ActiveAllocations = len(g.active)
	if g.budget.MaxCPUPercent > 0 {
		s.AvailableCPUPercent = max(g.budget.MaxCPUPercent-s.CPUPercent, 0)
	}
	if g.budget.MaxMemoryBytes > 0 {
		s.AvailableMemoryBytes = max(g.budget.MaxMemoryBytes-s.MemoryBytes, 0)
	}
	if g.budget.MaxAcceleratorBytes > 0 {
		s.AvailableAcceleratorBytes = max(g.budget.MaxAcceleratorBytes-s.AcceleratorBytes, 0)
	}
	return s
}

// SetLimits replaces the budget atomically. Existing allocations are left in
// place even if they exceed the new budget; only future admissions see it.
func (g *Governor) SetLimits(b types.ResourceBudget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.budget = b
	g.log.Info().Str("event", "set_limits").
		Float64("max_cpu_percent", b.MaxCPUPercent).
		Int64("max_memory_bytes", b.MaxMemoryBytes).
		Int64("max_accelerator_bytes", b.MaxAcceleratorBytes).
		Int("max_allocations", b.MaxAllocations).
		Msg("budget replaced")
}

// Budget returns the currently configured budget.
func (g *Governor) Budget() types.ResourceBudget {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.budget
}

func (g *Governor) usedLocked() types.UsageSnapshot {
	var s types.UsageSnapshot
	for _, a := range g.active {
		s.CPUPercent += a.CPUPercent
		s.MemoryBytes += a.MemoryBytes
		s.AcceleratorBytes += a.AcceleratorBytes
	}
	return s
}
