package record

import (
	"errors"
)

var (
	// ErrInvalidReference indicates a write naming an unknown team or an
	// owner that may not hold the record. Not retried.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrInvalidRecord indicates a malformed record.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrQuotaExceeded indicates a tier limit was reached. Surfaced verbatim,
	// never retried automatically.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrPermissionDenied indicates the principal may not read or write the record.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPurgeNotAllowed indicates a purge of a record that is not tombstoned.
	ErrPurgeNotAllowed = errors.New("purge not allowed")

	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorruptRecord indicates a stored row that could not be decoded.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrRemoteUnavailable indicates the remote store could not be reached.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrRemoteTimeout indicates a remote call exceeded its deadline.
	ErrRemoteTimeout = errors.New("remote timeout")

	// ErrIndexDrift indicates the similarity index diverged from the local
	// store and could not be healed by rebuilding.
	ErrIndexDrift = errors.New("index drift")

	// ErrUnknownDevice indicates a device id the remote does not know.
	ErrUnknownDevice = errors.New("unknown device")
)

// IsRetryable reports whether err belongs to the class the sync engine
// retries with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrRemoteTimeout)
}

// RejectReason explains why the remote refused a pushed record.
type RejectReason string

const (
	ReasonQuotaExceeded    RejectReason = "quota_exceeded"
	ReasonPermissionDenied RejectReason = "permission_denied"
	ReasonInvalidReference RejectReason = "invalid_reference"
	ReasonInvalidRecord    RejectReason = "invalid_record"
	ReasonSuperseded       RejectReason = "superseded"
)

// Err maps a reject reason back to its sentinel error.
func (r RejectReason) Err() error {
	switch r {
	case ReasonQuotaExceeded:
		return ErrQuotaExceeded
	case ReasonPermissionDenied:
		return ErrPermissionDenied
	case ReasonInvalidReference:
		return ErrInvalidReference
	case ReasonInvalidRecord:
		return ErrInvalidRecord
	}
	return nil
}

// ReasonFor classifies err as a reject reason.
func ReasonFor(err error) RejectReason {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return ReasonQuotaExceeded
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrInvalidReference):
		return ReasonInvalidReference
	default:
		return ReasonInvalidRecord
	}
}
