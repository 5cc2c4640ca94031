package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrIntegrity          = errors.New("record failed integrity check")

	// Task errors (caller programming errors, never retried)
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidProgress   = errors.New("progress must be within [0, 100] and non-decreasing")
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	ErrInvalidPayload    = errors.New("task payload does not match its type schema")

	// Contention errors (surfaced to the caller, never retried by the core)
	ErrLockHeld       = errors.New("resource lock held by another live process")
	ErrAlreadyRunning = errors.New("another live instance owns the process marker")

	// Retry errors
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	ErrCancelled      = errors.New("operation cancelled")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// IntegrityError reports a single stored record that failed structural
// validation on read. It matches ErrIntegrity with errors.Is.
type IntegrityError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("task %s: %s", e.TaskID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func (e *IntegrityError) Unwrap() error { return e.Err }

// TransitionError reports a rejected status change.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %s: %s -> %s not allowed", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// LockHeldError names the lock and the identity that holds it.
type LockHeldError struct {
	Name  string
	Owner ProcessIdentity
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %q held by pid %d on %s", e.Name, e.Owner.PID, e.Owner.Hostname)
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// IsCallerError reports whether err is a programming or contention error
// that must be surfaced immediately instead of retried.
func IsCallerError(err error) bool {
	for _, target := range []error{
		ErrDuplicateTask, ErrInvalidTransition, ErrInvalidProgress,
		ErrInvalidCheckpoint, ErrInvalidPayload, ErrTaskNotFound,
		ErrLockHeld, ErrAlreadyRunning,
		ErrIntegrity, ErrStorageUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
