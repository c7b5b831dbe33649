package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrJobNotFound = errors.New("job not found")
	ErrStorage     = errors.New("storage unavailable")
)

// ValidationError describes a rejected submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps a failure of the job store or snapshot cache.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// TransientError is an upstream failure worth retrying (429, 5xx, timeouts).
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient upstream error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("transient upstream error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError means the identity or page cannot be resolved at all.
type PermanentError struct {
	StatusCode int
	Reason     string
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent upstream error: status %d: %s", e.StatusCode, e.Reason)
	}
	return "permanent upstream error: " + e.Reason
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
