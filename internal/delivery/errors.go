package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var errNotAttempted = errors.New("send not attempted")

// Status is the terminal result of a send.
type Status int

const (
	Delivered Status = iota
	TransientFailure
	PermanentFailure
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Permanent marks an error that will not succeed on retry without a changed
// input (recipient not found, bot blocked, malformed payload).
//
// Example:
//
//	return delivery.Permanent(fmt.Errorf("chat not found: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transient marks an error that is likely to succeed later unchanged.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// RetryAfter marks a transient error with the delay the platform asked for
// (HTTP 429 retry_after).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, After: max(0, after)}
}

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

type TransientError struct {
	Err   error
	After time.Duration
}

func (e *TransientError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("transient (retry after %s): %v", e.After, e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Classify maps an error to an outcome status and a short reason.
// Unmarked errors are treated as transient so they get the bounded retry.
func Classify(err error) (Status, string) {
	if err == nil {
		return Delivered, ""
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return PermanentFailure, pe.Err.Error()
	}
	var te *TransientError
	if errors.As(err, &te) {
		if te.After > 0 {
			return TransientFailure, "rate limited: " + te.Err.Error()
		}
		return TransientFailure, te.Err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientFailure, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return TransientFailure, "canceled"
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return TransientFailure, "network: " + ne.Error()
	}
	return TransientFailure, err.Error()
}

func retryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.After
	}
	return 0
}
