// Package notifications forwards incident events to an external chat
// channel. It consumes the public event stream like any other subscriber
// and never feeds back into the engine: a failed delivery is logged and
// counted, never rolled back.
package notifications

import (
	"context"
	"errors"
)

// Notification is one rendered message.
type Notification struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a notification.
type Sender interface {
	Send(ctx context.Context, notification Notification) error
}

// ErrIncidentLookup is returned when the incident behind an event cannot be
// read for rendering.
var ErrIncidentLookup = errors.New("incident lookup failed")

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
