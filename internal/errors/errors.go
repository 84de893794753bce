package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies an application error
type ErrorType string

const (
	ErrNotFound          ErrorType = "NOT_FOUND"
	ErrRateLimited       ErrorType = "RATE_LIMITED"
	ErrTransient         ErrorType = "TRANSIENT"
	ErrCredentialExpired ErrorType = "CREDENTIAL_EXPIRED"
	ErrInvalidTransition ErrorType = "INVALID_TRANSITION"
	ErrUpsertConflict    ErrorType = "UPSERT_CONFLICT"
	ErrInvalidInput      ErrorType = "INVALID_INPUT"
	ErrInternal          ErrorType = "INTERNAL"
)

// AppError represents an application error
type AppError struct {
	Type      ErrorType
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:      errType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func isType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return isType(err, ErrNotFound) }

// IsRateLimited checks if the error is a rate limit error
func IsRateLimited(err error) bool { return isType(err, ErrRateLimited) }

// IsTransient checks if the error is a retryable transient error
func IsTransient(err error) bool { return isType(err, ErrTransient) }

// IsCredentialExpired checks if the error requires manual re-authorization
func IsCredentialExpired(err error) bool { return isType(err, ErrCredentialExpired) }

// IsInvalidTransition checks if the error is a job state machine violation
func IsInvalidTransition(err error) bool { return isType(err, ErrInvalidTransition) }

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool { return isType(err, ErrInvalidInput) }

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, err error) *AppError {
	return New(ErrNotFound, message, err)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, err error) *AppError {
	return New(ErrInvalidInput, message, err)
}

// NewTransientError creates a retryable network/server error
func NewTransientError(message string, err error) *AppError {
	return New(ErrTransient, message, err)
}

// NewCredentialExpiredError creates an error for a rotated-away or revoked
// refresh token. Retrying cannot succeed; the provider needs a manual
// re-authorization before any further API access.
func NewCredentialExpiredError(provider string, err error) *AppError {
	return New(ErrCredentialExpired, fmt.Sprintf("credential for %s requires re-authorization", provider), err)
}

// NewUpsertConflictError creates an error for an upsert that violated the
// idempotent keying contract. The batch fails closed rather than dropping data.
func NewUpsertConflictError(message string, err error) *AppError {
	return New(ErrUpsertConflict, message, err)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return New(ErrInternal, message, err)
}

// RateLimitedError carries the provider's cooldown hint
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Provider, e.RetryAfter)
}

// NewRateLimitedError creates a new RateLimitedError
func NewRateLimitedError(provider string, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Provider: provider, RetryAfter: retryAfter}
}

// AsRateLimited extracts a RateLimitedError from an error chain
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	ok := errors.As(err, &rl)
	return rl, ok
}

// InvalidTransitionError represents a job state machine violation. It is
// fatal to the call that attempted it, not to the process.
type InvalidTransitionError struct {
	JobID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s for job %s", e.From, e.To, e.JobID)
}

// NewInvalidTransitionError creates a new InvalidTransitionError wrapped in
// an AppError so type predicates work across the chain.
func NewInvalidTransitionError(jobID, from, to string) *AppError {
	return New(ErrInvalidTransition, "job state machine violation", &InvalidTransitionError{JobID: jobID, From: from, To: to})
}

// SyncInProgressError signals that a target already has an active job. The
// store returns it when an insert loses the race on the one-active-job-per-
// target index; callers coalesce onto the winning job.
type SyncInProgressError struct {
	Target string
	JobID  string
}

func (e *SyncInProgressError) Error() string {
	return fmt.Sprintf("sync already in progress for target %s (job %s)", e.Target, e.JobID)
}

// NewSyncInProgressError creates a new SyncInProgressError
func NewSyncInProgressError(target, jobID string) *SyncInProgressError {
	return &SyncInProgressError{Target: target, JobID: jobID}
}

// AsSyncInProgress extracts a SyncInProgressError from an error chain
func AsSyncInProgress(err error) (*SyncInProgressError, bool) {
	var sip *SyncInProgressError
	ok := errors.As(err, &sip)
	return sip, ok
}
