package service

import (
	"errors"
	"fmt"
	"time"
)

// Default Retry-After hints for UnavailableError.
const (
	RetryAfterQueueFull = 5 * time.Second
	RetryAfterStoreDown = 30 * time.Second
)

// NotFoundError reports a missing outage, user or notification.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConflictError reports a record whose status does not allow the request,
// e.g. a delivery receipt for a notification that was never sent.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Reason)
}

// ValidationError rejects an event or receipt before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// UnavailableError means the request was well formed but cannot be taken now.
// RetryAfter is a hint for the caller; zero means no preference.
type UnavailableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("temporarily unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Retryable reports whether err, or anything it wraps, is an UnavailableError.
func Retryable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// RetryAfter returns the hint carried by err, or def when there is none.
func RetryAfter(err error, def time.Duration) time.Duration {
	var ue *UnavailableError
	if errors.As(err, &ue) && ue.RetryAfter > 0 {
		return ue.RetryAfter
	}
	return def
}
