package session

import "errors"

var errShortBatch = errors.New("backend returned short batch")

// notLoadedError signals an operation against a model with no session.
type notLoadedError struct{ modelID string }

func (e notLoadedError) Error() string { return "no session loaded for model: " + e.modelID }

// IsNotLoaded reports whether err indicates a missing session.
func IsNotLoaded(err error) bool {
	_, ok := err.(notLoadedError)
	return ok
}

// loadFailureError signals the backend rejected a load. Any reserved
// allocation has already been released by the time it propagates.
type loadFailureError struct {
	modelID string
	cause   error
}

func (e loadFailureError) Error() string {
	return "model load failed: " + e.modelID + ": " + e.cause.Error()
}

func (e loadFailureError) Unwrap() error { return e.cause }

// IsLoadFailure reports whether err indicates a backend load failure.
func IsLoadFailure(err error) bool {
	_, ok := err.(loadFailureError)
	return ok
}

// execFailureError signals a backend run failure, isolated to one request.
type execFailureError struct {
	modelID string
	cause   error
}

func (e execFailureError) Error() string {
	return "execution failed: " + e.modelID + ": " + e.cause.Error()
}

func (e execFailureError) Unwrap() error { return e.cause }

// IsExecFailure reports whether err indicates a backend run failure.
func IsExecFailure(err error) bool {
	_, ok := err.(execFailureError)
	return ok
}
