package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"inferd/internal/governor"
	"inferd/pkg/types"
)

func writeArtifact(t *testing.T, sizeKB int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(p, make([]byte, sizeKB*1024), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return p
}

func newTestPool(b Backend, budget types.ResourceBudget, maxSessions int) (*Pool, *governor.Governor) {
	gov := governor.New(governor.Config{Budget: budget})
	p := NewPool(Config{Backend: b, Governor: gov, MaxSessions: maxSessions})
	return p, gov
}

func TestLoadIsIdempotent(t *testing.T) {
	be := NewMemoryBackend()
	p, _ := newTestPool(be, types.ResourceBudget{}, 2)
	path := writeArtifact(t, 4)
	ctx := context.Background()

	s1, err := p.Load(ctx, "m1", path, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	s2, err := p.Load(ctx, "m1", path, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected the same session, got distinct sessions")
	}
	if got := be.LoadCalls(); got != 1 {
		t.Fatalf("backend loads: got %d want 1", got)
	}
}

func TestConcurrentLoadsSingleBackendCall(t *testing.T) {
	be := NewMemoryBackend()
	be.LoadDelay = 20 * time.Millisecond
	p, _ := newTestPool(be, types.ResourceBudget{}, 2)
	path := writeArtifact(t, 4)

	const n = 16
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.Load(context.Background(), "m1", path, types.ExecutionConfig{})
			if err != nil {
				t.Errorf("load %d: %v", i, err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()
	if got := be.LoadCalls(); got != 1 {
		t.Fatalf("backend loads under contention: got %d want 1", got)
	}
	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("goroutine %d got a different session", i)
		}
	}
}

func TestLoadFailureReleasesAllocation(t *testing.T) {
	be := NewMemoryBackend()
	be.LoadErr = errors.New("backend down")
	budget := types.ResourceBudget{MaxMemoryBytes: 1 << 20}
	p, gov := newTestPool(be, budget, 2)
	path := writeArtifact(t, 4)

	_, err := p.Load(context.Background(), "m1", path, types.ExecutionConfig{})
	if !IsLoadFailure(err) {
		t.Fatalf("expected load failure, got %v", err)
	}
	if used := gov.Usage().MemoryBytes; used != 0 {
		t.Fatalf("allocation leaked after failed load: %d bytes", used)
	}
	if p.Count() != 0 {
		t.Fatalf("session registered despite failed load")
	}

	// Backend recovers; the next load succeeds.
	be.LoadErr = nil
	if _, err := p.Load(context.Background(), "m1", path, types.ExecutionConfig{}); err != nil {
		t.Fatalf("load after recovery: %v", err)
	}
}

func TestLoadAdmissionDeniedPropagates(t *testing.T) {
	be := NewMemoryBackend()
	p, _ := newTestPool(be, types.ResourceBudget{MaxMemoryBytes: 1024}, 2)
	path := writeArtifact(t, 16) // 16KB artifact vs 1KB budget

	_, err := p.Load(context.Background(), "m1", path, types.ExecutionConfig{})
	if !governor.IsAdmissionDenied(err) {
		t.Fatalf("expected admission denial, got %v", err)
	}
	if got := be.LoadCalls(); got != 0 {
		t.Fatalf("backend called despite denial: %d loads", got)
	}
}

func TestAcceleratorAccountingFollowsProvider(t *testing.T) {
	be := NewMemoryBackend()
	p, gov := newTestPool(be, types.ResourceBudget{}, 4)
	cpuPath := writeArtifact(t, 4)
	gpuPath := writeArtifact(t, 8)

	if _, err := p.Load(context.Background(), "cpu-model", cpuPath, types.ExecutionConfig{Provider: "cpu"}); err != nil {
		t.Fatalf("cpu load: %v", err)
	}
	if got := gov.Usage().AcceleratorBytes; got != 0 {
		t.Fatalf("cpu provider reserved accelerator memory: %d", got)
	}
	if _, err := p.Load(context.Background(), "gpu-model", gpuPath, types.ExecutionConfig{Provider: "cuda"}); err != nil {
		t.Fatalf("gpu load: %v", err)
	}
	if got := gov.Usage().AcceleratorBytes; got != 8*1024 {
		t.Fatalf("accelerator accounting: got %d want %d", got, 8*1024)
	}
}

func TestExecuteIsolatesItemFailures(t *testing.T) {
	be := NewMemoryBackend()
	be.RunFunc = func(_ string, in types.Payload) (types.Payload, error) {
		if in.DType == "poison" {
			return types.Payload{}, errors.New("bad tensor")
		}
		return in, nil
	}
	p, _ := newTestPool(be, types.ResourceBudget{}, 2)
	path := writeArtifact(t, 4)
	if _, err := p.Load(context.Background(), "m1", path, types.ExecutionConfig{}); err != nil {
		t.Fatalf("load: %v", err)
	}

	inputs := []types.Payload{
		{Data: []byte("a"), DType: "f32"},
		{Data: []byte("b"), DType: "poison"},
		{Data: []byte("c"), DType: "f32"},
	}
	results, err := p.Execute(context.Background(), "m1", inputs)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("sibling items failed: %v / %v", results[0].Err, results[2].Err)
	}
	if !IsExecFailure(results[1].Err) {
		t.Fatalf("expected exec failure on item 1, got %v", results[1].Err)
	}
	if string(results[0].Output.Data) != "a" || string(results[2].Output.Data) != "c" {
		t.Fatalf("unexpected outputs: %q / %q", results[0].Output.Data, results[2].Output.Data)
	}
}

func TestExecuteUnloadedModel(t *testing.T) {
	be := NewMemoryBackend()
	p, _ := newTestPool(be, types.ResourceBudget{}, 2)
	_, err := p.Execute(context.Background(), "ghost", []types.Payload{{}})
	if !IsNotLoaded(err) {
		t.Fatalf("expected not-loaded, got %v", err)
	}
}

// batchBackend adds native batch support to the memory backend.
type batchBackend struct {
	*MemoryBackend
	mu         sync.Mutex
	batchCalls int
}

func (b *batchBackend) RunBatch(ctx context.Context, h Handle, inputs []types.Payload) ([]types.Payload, error) {
	b.mu.Lock()
	b.batchCalls++
	b.mu.Unlock()
	outs := make([]types.Payload, len(inputs))
	copy(outs, inputs)
	return outs, nil
}

func TestExecutePrefersNativeBatch(t *testing.T) {
	be := &batchBackend{MemoryBackend: NewMemoryBackend()}
	p, _ := newTestPool(be, types.ResourceBudget{}, 2)
	path := writeArtifact(t, 4)
	if _, err := p.Load(context.Background(), "m1", path, types.ExecutionConfig{}); err != nil {
		t.Fatalf("load: %v", err)
	}

	inputs := []types.Payload{{Data: []byte("a")}, {Data: []byte("b")}}
	results, err := p.Execute(context.Background(), "m1", inputs)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("item %d failed: %v", i, r.Err)
		}
	}
	if be.batchCalls != 1 {
		t.Fatalf("native batch calls: got %d want 1", be.batchCalls)
	}
	if got := be.RunCalls(); got != 0 {
		t.Fatalf("sequential runs despite native batch: %d", got)
	}
}

func TestUnloadDeferredWhileInUse(t *testing.T) {
	be := NewMemoryBackend()
	be.RunDelay = 60 * time.Millisecond
	p, _ := newTestPool(be, types.ResourceBudget{}, 2)
	path := writeArtifact(t, 4)
	if _, err := p.Load(context.Background(), "m1", path, types.ExecutionConfig{}); err != nil {
		t.Fatalf("load: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.Execute(context.Background(), "m1", []types.Payload{{}}); err != nil {
			t.Errorf("execute: %v", err)
		}
	}()
	// Let the execution enter the backend, then request the unload.
	time.Sleep(15 * time.Millisecond)
	if err := p.Unload("m1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !p.Loaded("m1") {
		t.Fatalf("session torn down with execution in flight")
	}
	<-done
	// Deferred unload fires as the in-use count returns to zero.
	deadline := time.Now().Add(time.Second)
	for p.Loaded("m1") {
		if time.Now().After(deadline) {
			t.Fatalf("deferred unload never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := be.UnloadCalls(); got != 1 {
		t.Fatalf("backend unloads: got %d want 1", got)
	}
}

func TestOptimizeIdleUnloadsOnlyIdleSessions(t *testing.T) {
	be := NewMemoryBackend()
	p, gov := newTestPool(be, types.ResourceBudget{}, 4)
	path := writeArtifact(t, 4)
	ctx := context.Background()
	for _, id := range []string{"stale", "fresh"} {
		if _, err := p.Load(ctx, id, path, types.ExecutionConfig{}); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
	}
	p.mu.Lock()
	p.sessions["stale"].lastUsed = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	if got := p.OptimizeIdle(10 * time.Minute); got != 1 {
		t.Fatalf("optimize unloaded %d sessions, want 1", got)
	}
	if p.Loaded("stale") {
		t.Fatalf("stale session survived")
	}
	if !p.Loaded("fresh") {
		t.Fatalf("fresh session unloaded")
	}
	if got := gov.Usage().ActiveAllocations; got != 1 {
		t.Fatalf("allocations after optimize: got %d want 1", got)
	}
}

func TestSessionSlotWaitBoundedByContext(t *testing.T) {
	be := NewMemoryBackend()
	p, _ := newTestPool(be, types.ResourceBudget{}, 1)
	path := writeArtifact(t, 4)
	if _, err := p.Load(context.Background(), "m1", path, types.ExecutionConfig{}); err != nil {
		t.Fatalf("load m1: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Load(ctx, "m2", path, types.ExecutionConfig{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded waiting for slot, got %v", err)
	}

	// Freeing the slot lets the second model in.
	if err := p.Unload("m1"); err != nil {
		t.Fatalf("unload m1: %v", err)
	}
	if _, err := p.Load(context.Background(), "m2", path, types.ExecutionConfig{}); err != nil {
		t.Fatalf("load m2 after slot freed: %v", err)
	}
}

func TestUnloadUnknownModel(t *testing.T) {
	be := NewMemoryBackend()
	p, _ := newTestPool(be, types.ResourceBudget{}, 2)
	if err := p.Unload("ghost"); !IsNotLoaded(err) {
		t.Fatalf("expected not-loaded, got %v", err)
	}
}
