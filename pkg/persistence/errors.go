package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowPublished indicates an attempt to overwrite a published flow.
	ErrFlowPublished = errors.New("flow is published and cannot be modified")

	// ErrSessionNotFound indicates a session was not found by id or token.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyExists indicates a session with the same id or token already exists.
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrRevisionConflict indicates the stored session revision moved since it was read.
	ErrRevisionConflict = errors.New("session revision conflict")

	// ErrIdempotencyRecordNotFound indicates no live record exists for the key.
	ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")

	// ErrIdempotencyRecordExists indicates a live record already exists for the key.
	ErrIdempotencyRecordExists = errors.New("idempotency record already exists")

	// ErrLockNotAcquired indicates a session lock could not be acquired in time.
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// FlowError wraps flow-related errors with additional context.
type FlowError struct {
	Op      string // Operation being performed (e.g., "FlowByID", "SaveFlow")
	FlowID  string
	Err     error
	Message string
}

func (e *FlowError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for flow %s: %s (%v)", e.Op, e.FlowID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for flow errors.
func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{
		Op:     op,
		FlowID: flowID,
		Err:    err,
	}
}

// SessionError wraps session-related errors with additional context.
type SessionError struct {
	Op        string // Operation being performed (e.g., "SessionByToken", "UpdateSession")
	SessionID string // Session id or token, whichever the caller used
	Revision  int64  // Expected revision for conditional writes
	Err       error
}

func (e *SessionError) Error() string {
	if e.Revision > 0 {
		return fmt.Sprintf("%s operation failed for session %s at revision %d: %v", e.Op, e.SessionID, e.Revision, e.Err)
	}

	return fmt.Sprintf("%s operation failed for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewSessionError creates a new session error with context.
func NewSessionError(op, sessionID string, err error) *SessionError {
	return &SessionError{
		Op:        op,
		SessionID: sessionID,
		Err:       err,
	}
}

// NewRevisionConflict reports a conditional write that lost against a newer revision.
func NewRevisionConflict(op, sessionID string, expectedRevision int64) *SessionError {
	return &SessionError{
		Op:        op,
		SessionID: sessionID,
		Revision:  expectedRevision,
		Err:       ErrRevisionConflict,
	}
}

// IdempotencyError wraps idempotency store errors with the record key.
type IdempotencyError struct {
	Op  string
	Key string
	Err error
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("%s operation failed for idempotency key %s: %v", e.Op, e.Key, e.Err)
}

func (e *IdempotencyError) Unwrap() error {
	return e.Err
}

func (e *IdempotencyError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewIdempotencyError creates a new idempotency error with context.
func NewIdempotencyError(op, key string, err error) *IdempotencyError {
	return &IdempotencyError{Op: op, Key: key, Err: err}
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsFlowPublished checks if an error indicates a published flow was about to be overwritten.
func IsFlowPublished(err error) bool {
	return errors.Is(err, ErrFlowPublished)
}

// IsSessionNotFound checks if an error indicates a session was not found.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsRevisionConflict checks if an error indicates a lost conditional write.
func IsRevisionConflict(err error) bool {
	return errors.Is(err, ErrRevisionConflict)
}

func IsIdempotencyRecordNotFound(err error) bool {
	return errors.Is(err, ErrIdempotencyRecordNotFound)
}

func IsIdempotencyRecordExists(err error) bool {
	return errors.Is(err, ErrIdempotencyRecordExists)
}

func IsLockNotAcquired(err error) bool {
	return errors.Is(err, ErrLockNotAcquired)
}
