package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures surfaced by the ledger.
type ErrorCode string

const (
	// ErrCodeValidation marks malformed input rejected by the normalizer.
	// It never reaches session state; the caller is told immediately.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeAnomaly marks a structurally valid event that violates the
	// transition policy. Anomalies are recorded and never halt processing.
	ErrCodeAnomaly ErrorCode = "ANOMALY_DETECTED"

	// ErrCodeConsistency marks a violated internal invariant, such as two
	// OPEN sessions for one key. The conflicting write is rejected and the
	// existing state wins.
	ErrCodeConsistency ErrorCode = "CONSISTENCY_VIOLATION"

	// ErrCodeStoreUnavailable marks a persistence failure. Nothing was
	// committed and the caller should retry.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Error is the ledger's structured error.
type Error struct {
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Key identifies the affected session key, when there is one.
	Key string

	// SessionID identifies the affected session, when there is one.
	SessionID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// NewValidationError reports a rejected input field.
func NewValidationError(field, reason string) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, reason)}
}

// NewAnomaly reports a policy-violating transition for audit.
func NewAnomaly(key SessionKey, kind AnomalyKind, sessionID string) *Error {
	return &Error{
		Code:      ErrCodeAnomaly,
		Message:   string(kind),
		Key:       key.String(),
		SessionID: sessionID,
	}
}

// NewConsistencyViolation reports a rejected write that would break an invariant.
func NewConsistencyViolation(key SessionKey, message string, err error) *Error {
	return &Error{Code: ErrCodeConsistency, Message: message, Key: key.String(), Err: err}
}

// NewStoreUnavailable wraps a persistence failure.
func NewStoreUnavailable(op string, err error) *Error {
	return &Error{Code: ErrCodeStoreUnavailable, Message: op, Err: err}
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsAnomaly reports whether err is (or wraps) an anomaly report.
func IsAnomaly(err error) bool { return hasCode(err, ErrCodeAnomaly) }

// IsConsistency reports whether err is (or wraps) a consistency violation.
func IsConsistency(err error) bool { return hasCode(err, ErrCodeConsistency) }

// IsStoreUnavailable reports whether err is (or wraps) a store failure.
func IsStoreUnavailable(err error) bool { return hasCode(err, ErrCodeStoreUnavailable) }
