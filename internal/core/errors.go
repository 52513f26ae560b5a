package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDescriptor = errors.New("invalid job descriptor")
	ErrUnknownContext    = errors.New("unknown context")
	ErrNotFound          = errors.New("not found")
)

// PublishError is returned when a queue entry could not be handed to the broker.
type PublishError struct {
	Queue   QueueName
	Context string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish %s to queue %s: %v", e.Context, e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SecretResolutionError is returned when a named secret has no material.
type SecretResolutionError struct {
	Name string
	Err  error
}

func (e *SecretResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve secret %q: %v", e.Name, e.Err)
}

func (e *SecretResolutionError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is a configuration or validation
// error that must not be retried.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidDescriptor) || errors.Is(err, ErrUnknownContext)
}
