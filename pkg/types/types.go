package types

import "time"

// Priority orders requests within a model queue. Higher values dispatch first;
// requests of equal priority keep submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RequestState is the lifecycle state of an inference request.
// Queued -> Dispatched -> {Completed | Failed}, or Queued -> TimedOut,
// or Queued -> Cancelled. Every request reaches exactly one terminal state.
type RequestState string

const (
	StateQueued     RequestState = "queued"
	StateDispatched RequestState = "dispatched"
	StateCompleted  RequestState = "completed"
	StateFailed     RequestState = "failed"
	StateTimedOut   RequestState = "timed_out"
	StateCancelled  RequestState = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s RequestState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Payload is an opaque tensor buffer plus a shape descriptor. The core never
// inspects Data; it is handed through to the inference backend unexamined.
type Payload struct {
	Data  []byte
	Shape []int64
	DType string
}

// InferenceRequest is a single unit of inference work.
type InferenceRequest struct {
	// ID uniquely identifies the request. Filled in at submission when empty.
	ID string
	// Model is the target model id.
	Model string
	// Input is the opaque payload passed to the backend.
	Input Payload
	// Priority orders the request within its model queue.
	Priority Priority
	// Timeout bounds total time from submission to resolution. Zero uses the
	// scheduler default.
	Timeout time.Duration
}

// InferenceResult resolves a submitted request.
type InferenceResult struct {
	RequestID string
	// Output holds the backend response when State is StateCompleted.
	Output Payload
	State  RequestState
	// Err is set for StateFailed, StateTimedOut, and StateCancelled.
	Err error
	// QueueTime is time spent queued before dispatch (zero if never dispatched).
	QueueTime time.Duration
	// ExecTime is time spent executing after dispatch.
	ExecTime time.Duration
}

// OK reports whether the request completed successfully.
func (r InferenceResult) OK() bool { return r.State == StateCompleted }
