package batch

import (
	"errors"
	"fmt"
	"time"
)

// ErrSchedulerClosed resolves requests caught by shutdown and rejects
// submissions after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// missingModelError rejects a submission without a model id.
type missingModelError struct{}

func (missingModelError) Error() string { return "submit: empty model id" }

// IsMissingModel reports whether err indicates a submission without a model id.
func IsMissingModel(err error) bool {
	_, ok := err.(missingModelError)
	return ok
}

// queueFullError signals backpressure on one model's queue.
type queueFullError struct {
	modelID string
	depth   int
}

func (e queueFullError) Error() string {
	return fmt.Sprintf("queue full for model %s (depth %d)", e.modelID, e.depth)
}

// IsQueueFull reports whether err indicates per-model queue backpressure.
func IsQueueFull(err error) bool {
	_, ok := err.(queueFullError)
	return ok
}

// requestTimeoutError resolves a request that expired while queued.
type requestTimeoutError struct {
	requestID string
	timeout   time.Duration
}

func (e requestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s in queue", e.requestID, e.timeout)
}

// IsRequestTimeout reports whether err indicates a queued-request timeout.
func IsRequestTimeout(err error) bool {
	_, ok := err.(requestTimeoutError)
	return ok
}
