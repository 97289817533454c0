package types

// Model describes a registered model source on local storage.
type Model struct {
	// ID of the model, unique within the registry.
	ID string
	// Name is a human-readable label; defaults to ID.
	Name string
	// Path is the absolute path to the model artifact source.
	Path string
	// SizeBytes is the artifact size, used as the load resource estimate.
	SizeBytes int64
}

// ResourceBudget is the process-wide ceiling on resources the core may grant.
// A zero component is unconstrained.
type ResourceBudget struct {
	MaxCPUPercent       float64
	MaxMemoryBytes      int64
	MaxAcceleratorBytes int64
	// MaxAllocations caps the number of concurrently active allocations.
	MaxAllocations int
}

// ResourceRequest describes resources needed by one allocation.
type ResourceRequest struct {
	CPUPercent       float64
	MemoryBytes      int64
	AcceleratorBytes int64
	// Owner tags the allocation (typically a model id) for logging and usage
	// reporting.
	Owner string
}

// UsageSnapshot is a point-in-time view of governor bookkeeping. Available
// components are zero when the corresponding budget component is
// unconstrained.
type UsageSnapshot struct {
	CPUPercent                float64
	MemoryBytes               int64
	AcceleratorBytes          int64
	AvailableCPUPercent       float64
	AvailableMemoryBytes      int64
	AvailableAcceleratorBytes int64
	ActiveAllocations         int
}

// ExecutionConfig carries backend load options. The core passes it through
// unexamined except for Provider, which selects accelerator accounting.
type ExecutionConfig struct {
	// Provider names the execution provider (e.g. "cpu", "cuda"). Providers
	// other than "cpu" reserve accelerator memory for loads.
	Provider string
	// Threads hints intra-op parallelism to the backend. Zero lets the
	// backend choose.
	Threads int
	// Options holds backend-specific key/value settings.
	Options map[string]string
}
