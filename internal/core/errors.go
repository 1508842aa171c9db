package core

import (
	"github.com/grace-platform/core/infrastructure/errors"
)

// The error taxonomy from spec.md §7: a closed set of kinds every component
// reports through instead of ad hoc error strings. Each constructor wraps
// infrastructure/errors.ServiceError so callers across the HTTP boundary get
// a consistent status/code mapping for free.

// Validation reports malformed input: an unknown KPI, an out-of-range
// value, a bad topic pattern. Not logged beyond the corresponding rejection
// event (metric.rejected, etc).
func Validation(field, reason string) *errors.ServiceError {
	return errors.InvalidInput(field, reason)
}

// Backpressure reports a full subscription queue under a block/disconnect
// policy. Returned to the caller; does not mutate state.
func Backpressure(subscription string) *errors.ServiceError {
	return errors.Backpressure(subscription)
}

// Durability reports a failed log append (disk full, I/O error). The
// operation fails with no state change; the core continues.
func Durability(err error) *errors.ServiceError {
	return errors.Durability(err)
}

// Corruption reports a detected hash-chain breach on read or recovery.
// Fatal: the core halts accepting writes after this.
func Corruption(seq uint64, err error) *errors.ServiceError {
	return errors.Corruption(seq, err)
}

// Internal reports a bug or invariant violation. Logged; the process
// continues degraded if it is safe to do so.
func Internal(message string, err error) *errors.ServiceError {
	return errors.Internal(message, err)
}

// NotFound reports a lookup that found no matching resource (e.g. a seq
// past the log's tail, an unknown approval request).
func NotFound(resource, id string) *errors.ServiceError {
	return errors.NotFound(resource, id)
}

// IsValidation reports whether err is a Validation-kind error.
func IsValidation(err error) bool {
	se := errors.GetServiceError(err)
	return se != nil && se.Code == errors.ErrCodeInvalidInput
}

// IsBackpressure reports whether err is a Backpressure-kind error.
func IsBackpressure(err error) bool {
	se := errors.GetServiceError(err)
	return se != nil && se.Code == errors.ErrCodeBackpressure
}

// IsDurability reports whether err is a Durability-kind error.
func IsDurability(err error) bool {
	se := errors.GetServiceError(err)
	return se != nil && se.Code == errors.ErrCodeDurability
}

// IsCorruption reports whether err is a Corruption-kind error.
func IsCorruption(err error) bool {
	se := errors.GetServiceError(err)
	return se != nil && se.Code == errors.ErrCodeCorruption
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	se := errors.GetServiceError(err)
	return se != nil && se.Code == errors.ErrCodeNotFound
}
