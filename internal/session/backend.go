package session

import (
	"context"

	"inferd/pkg/types"
)

// Handle is the backend's opaque reference to a loaded model. It never
// leaves the pool.
type Handle any

// Backend is the narrow contract to the external inference runtime. The
// pool owns all calls into it; the core never touches payload contents.
type Backend interface {
	// LoadModel loads the artifact at path and returns a handle.
	LoadModel(ctx context.Context, path string, cfg types.ExecutionConfig) (Handle, error)
	// Run executes a single input against a loaded model.
	Run(ctx context.Context, h Handle, input types.Payload) (types.Payload, error)
	// UnloadModel releases the handle and its resources.
	UnloadModel(h Handle) error
}

// BatchRunner is implemented by backends with native batch execution.
// Backends without it get batch members executed sequentially; callers
// cannot observe which tier served them.
type BatchRunner interface {
	RunBatch(ctx context.Context, h Handle, inputs []types.Payload) ([]types.Payload, error)
}
