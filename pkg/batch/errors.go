package batch

import (
	"errors"
	"fmt"
)

// Error taxonomy for the connection layer. Transport-class conditions
// are retryable up to the configured bounds; task-class conditions are
// recorded per task and surfaced in the result manifest.
var (
	// ErrTransportUnavailable covers connect failures and dropped
	// sessions before any task began. Retryable.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrAuthFailed is an authentication rejection by the remote
	// host. Never retried.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrSessionLost is a mid-batch disconnect after at least one
	// task began. The batch is never retried as a whole.
	ErrSessionLost = errors.New("session lost")

	// ErrEncodingTooLarge means the encoded payload exceeded the
	// configured cap and the batch must be split before dispatch.
	ErrEncodingTooLarge = errors.New("encoded payload too large")

	// ErrBatchTimedOut means the batch exceeded its overall
	// execution ceiling while still in flight.
	ErrBatchTimedOut = errors.New("batch timed out")

	// ErrStatusCorrupted marks a status snapshot reporting less
	// progress than previously observed.
	ErrStatusCorrupted = errors.New("status snapshot corrupted")
)

// Retryable reports whether err is a transport-class condition the
// retry controller may attempt again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) {
		return false
	}
	return errors.Is(err, ErrTransportUnavailable)
}

// TransportErr wraps err as a retryable transport failure.
func TransportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransportUnavailable, err)
}
