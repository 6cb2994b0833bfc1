package domain

import "errors"

var (
	// ErrInvalidTransaction marks malformed input. Processing never starts.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrCapacityExceeded is returned when a transaction could not be admitted
	// before the caller's deadline. Callers may retry.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrScorerUnavailable is reported by a scorer that cannot produce a score.
	// The router absorbs it.
	ErrScorerUnavailable = errors.New("scorer unavailable")

	// ErrMalformedScore is reported when a scorer response cannot be decoded.
	ErrMalformedScore = errors.New("malformed scorer response")
)

// IsRetryable reports whether the caller may resubmit the same transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}
