package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors for quote and order lookups
var (
	// ErrCrossedQuote marks a crossed or stale book (bid > ask); the
	// caller must discard it and wait for a fresh quote.
	ErrCrossedQuote = errors.New("crossed quote: bid above ask")

	// ErrInvalidTick marks a quote without a positive tick size
	ErrInvalidTick = errors.New("quote has no usable tick size")

	// ErrOrderTerminal is returned by CancelOrder when the order already
	// reached a terminal state, typically because a fill raced the cancel.
	ErrOrderTerminal = errors.New("order already in terminal state")

	// ErrUnknownOrder is returned for lookups of order IDs the broker
	// has never seen.
	ErrUnknownOrder = errors.New("unknown order id")
)

// RetryableError wraps a transient broker failure (timeout, rate limit).
// The operation may be retried within the same poll cycle; its outcome is
// unknown until the next status poll.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("broker %s failed transiently: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RejectedError wraps a terminal broker rejection: trading halt, symbol
// restriction, insufficient buying power or locates. Never retried.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker %s rejected: %s", e.Op, e.Reason)
}

// IsRetryable reports whether err is a transient broker failure
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsRejected reports whether err is a terminal broker rejection
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Classify maps an unrecognized broker error to the taxonomy. Errors
// already classified pass through; anything else, including a timeout,
// becomes retryable with an unknown outcome, resolved by the next
// status poll rather than assumed failed.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) || IsRejected(err) {
		return err
	}
	switch {
	case errors.Is(err, ErrCrossedQuote),
		errors.Is(err, ErrInvalidTick),
		errors.Is(err, ErrOrderTerminal),
		errors.Is(err, ErrUnknownOrder):
		return err
	}
	return &RetryableError{Op: op, Err: err}
}
