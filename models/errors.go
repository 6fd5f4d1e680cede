package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Closed error taxonomy. Everything the backend or gateway can throw at us is
// folded into one of these before it leaves the services layer.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAlreadyJoined          = errors.New("already joined this challenge")
	ErrInsufficientFunds      = errors.New("insufficient balance")
	ErrChallengeNotFound      = errors.New("challenge not found or no longer active")
	ErrChallengeNotStarted    = errors.New("challenge has not started yet")
	ErrChallengeCompleted     = errors.New("challenge is already completed")
	ErrChallengeFailed        = errors.New("challenge is already failed")
	ErrDayAlreadyCompleted    = errors.New("day already marked complete")
	ErrInvalidData            = errors.New("invalid data")
	ErrOperationInFlight      = errors.New("operation already in progress")
	ErrNetworkUnavailable     = errors.New("network unavailable")
	ErrNetworkTimeout         = errors.New("network timeout")
)

// ServerError carries a backend-reported failure message that did not match
// any known pattern.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// ClassifyBackendError maps the backend's opaque error strings onto the
// taxonomy. The substrings below are the ones the backend is known to emit;
// anything unrecognized becomes a ServerError with the raw message preserved.
func ClassifyBackendError(message string) error {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "row-level security"),
		strings.Contains(msg, "jwt"),
		strings.Contains(msg, "not authenticated"),
		strings.Contains(msg, "user not found"):
		return ErrAuthenticationRequired
	case strings.Contains(msg, "already joined"),
		strings.Contains(msg, "already participating"):
		return ErrAlreadyJoined
	case strings.Contains(msg, "insufficient balance"),
		strings.Contains(msg, "insufficient funds"):
		return ErrInsufficientFunds
	case strings.Contains(msg, "already completed today"),
		strings.Contains(msg, "already marked"):
		return ErrDayAlreadyCompleted
	case strings.Contains(msg, "already completed"):
		return ErrChallengeCompleted
	case strings.Contains(msg, "already failed"):
		return ErrChallengeFailed
	case strings.Contains(msg, "not started"):
		return ErrChallengeNotStarted
	case strings.Contains(msg, "challenge not found"),
		strings.Contains(msg, "challenge has ended"),
		strings.Contains(msg, "already ended"),
		strings.Contains(msg, "not active"):
		return ErrChallengeNotFound
	default:
		return &ServerError{Message: message}
	}
}

// ClassifyTransportError folds low-level transport failures into the two
// transient taxonomy members. Context cancellation passes through untouched
// so callers can filter it out of retries and logs.
func ClassifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrNetworkTimeout
		}
		return ErrNetworkUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrNetworkUnavailable
	}
	return ErrNetworkUnavailable
}

// IsRetryable reports whether the retry policy may re-issue the failed call.
// Only transient transport failures qualify; validation, auth, and domain
// errors are permanent, and cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrNetworkTimeout)
}

// IsCancellation reports whether err is a context cancellation. Cancellation
// is not a failure and must never reach error logs or the caller as one.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
