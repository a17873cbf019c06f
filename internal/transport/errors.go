package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorClass identifies which retry policy applies to a transport failure
type ErrorClass int

const (
	// ClassPermanent covers anything the transport cannot attribute to a
	// transient condition
	ClassPermanent ErrorClass = iota
	// ClassResponse is a server response with a failing status
	ClassResponse
	// ClassNetwork is a connection-level failure
	ClassNetwork
	// ClassTimeout is a request that did not complete in time
	ClassTimeout
)

// String returns the class name used in logs
func (c ErrorClass) String() string {
	switch c {
	case ClassResponse:
		return "response"
	case ClassNetwork:
		return "network"
	case ClassTimeout:
		return "timeout"
	default:
		return "permanent"
	}
}

// NetworkError wraps a connection-level failure
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError wraps a request that exceeded its deadline
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout fetching %s: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ResponseError is returned when the server answers with a failing status
type ResponseError struct {
	URL    string
	Status int
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected response fetching %s: %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// Retryable reports whether the status describes a transient condition
func (e *ResponseError) Retryable() bool {
	switch {
	case e.Status == http.StatusRequestTimeout,
		e.Status == http.StatusTooEarly,
		e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

// Classify returns the class of err. Bare net.Error values are mapped to
// network or timeout so callers can pass through errors from other readers.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return ClassTimeout
	}
	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return ClassNetwork
	}
	var responseErr *ResponseError
	if errors.As(err, &responseErr) {
		return ClassResponse
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	return ClassPermanent
}

// IsRetryable reports whether err may succeed on a later attempt
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassNetwork, ClassTimeout:
		return true
	case ClassResponse:
		var responseErr *ResponseError
		if errors.As(err, &responseErr) {
			return responseErr.Retryable()
		}
		return false
	default:
		return false
	}
}
