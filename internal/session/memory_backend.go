package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"inferd/pkg/types"
)

// MemoryBackend is an in-process Backend that echoes inputs back. It stands
// in for a real runtime in tests and smoke runs. Configure fields before
// first use; counters are safe to read concurrently.
type MemoryBackend struct {
	// LoadDelay and RunDelay simulate backend latency; both honor ctx.
	LoadDelay time.Duration
	RunDelay  time.Duration
	// LoadErr, when set, fails every LoadModel call.
	LoadErr error
	// RunFunc overrides the default echo behavior. path is the artifact
	// path the handle was loaded from.
	RunFunc func(path string, input types.Payload) (types.Payload, error)

	mu      sync.Mutex
	loads   int
	runs    int
	unloads int
	open    map[*memoryHandle]struct{}
}

type memoryHandle struct{ path string }

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{open: make(map[*memoryHandle]struct{})}
}

func (b *MemoryBackend) LoadModel(ctx context.Context, path string, _ types.ExecutionConfig) (Handle, error) {
	if err := sleepCtx(ctx, b.LoadDelay); err != nil {
		return nil, err
	}
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	h := &memoryHandle{path: path}
	b.mu.Lock()
	b.loads++
	b.open[h] = struct{}{}
	b.mu.Unlock()
	return h, nil
}

func (b *MemoryBackend) Run(ctx context.Context, h Handle, input types.Payload) (types.Payload, error) {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return types.Payload{}, errors.New("memory backend: foreign handle")
	}
	if err := sleepCtx(ctx, b.RunDelay); err != nil {
		return types.Payload{}, err
	}
	b.mu.Lock()
	b.runs++
	b.mu.Unlock()
	if b.RunFunc != nil {
		return b.RunFunc(mh.path, input)
	}
	return input, nil
}

func (b *MemoryBackend) UnloadModel(h Handle) error {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return errors.New("memory backend: foreign handle")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[mh]; !ok {
		return errors.New("memory backend: handle not loaded")
	}
	delete(b.open, mh)
	b.unloads++
	return nil
}

// LoadCalls returns the number of successful LoadModel calls.
func (b *MemoryBackend) LoadCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

// RunCalls returns the number of Run calls.
func (b *MemoryBackend) RunCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// UnloadCalls returns the number of UnloadModel calls.
func (b *MemoryBackend) UnloadCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unloads
}

// OpenHandles returns the number of currently loaded handles.
func (b *MemoryBackend) OpenHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
