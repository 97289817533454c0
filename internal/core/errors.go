package core

import "fmt"

type modelNotFoundError struct {
	id string
}

func (e modelNotFoundError) Error() string {
	return fmt.Sprintf("model not found: %s", e.id)
}

// IsModelNotFound reports whether err is a model-not-found error.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

type missingBackendError struct{}

func (missingBackendError) Error() string {
	return "core: execution backend is required"
}
