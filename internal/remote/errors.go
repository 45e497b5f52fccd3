package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("remote circuit breaker open")

// Error is a failed Remote call. StatusCode is 0 when no response was received.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote: %s", e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	switch {
	case code == 408, code == 425, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying: timeouts, network failures,
// rate limiting, server errors and an open breaker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// RetryAfter extracts a server-suggested delay, if any.
func RetryAfter(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
