package tablebase

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TimeoutError is returned when a lookup exceeded its time budget. Exhausted
// is set when every attempt of the retry loop timed out.
type TimeoutError struct {
	Timeout   time.Duration
	Attempts  int
	Exhausted bool
}

func (e *TimeoutError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("tablebase: retries exhausted after %d timed out attempts (timeout %s)", e.Attempts, e.Timeout)
	}
	return fmt.Sprintf("tablebase: request timed out after %s", e.Timeout)
}

// HTTPError is a non-2xx response. The body is never interpreted.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tablebase: http %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// MalformedResponseError is a 2xx response whose body failed validation.
type MalformedResponseError struct {
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tablebase: malformed response: %s: %v", e.Reason, e.Err)
	}
	return "tablebase: malformed response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// NetworkError is a transport level failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("tablebase: network: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt: timeouts, network
// failures, 5xx and 429. Other statuses mean the server rejected the position.
func IsRetryable(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500 || he.StatusCode == http.StatusTooManyRequests
	}
	return false
}
