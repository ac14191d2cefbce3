package netstack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	ErrEngineShutdown = errors.New("network engine is shut down")
	ErrInvalidURL     = errors.New("request url must be an absolute http or https url")
	ErrNilCallback    = errors.New("request callback cannot be nil")
	ErrNilExecutor    = errors.New("request executor cannot be nil")
)

// ErrorCode classifies a request failure the way the stack reports it to callbacks.
type ErrorCode int

const (
	ErrorOther ErrorCode = iota
	ErrorHostNameNotResolved
	ErrorConnectionRefused
	ErrorTimedOut
	ErrorTooManyRedirects
	ErrorConnectionReset
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorHostNameNotResolved:
		return "HOSTNAME_NOT_RESOLVED"
	case ErrorConnectionRefused:
		return "CONNECTION_REFUSED"
	case ErrorTimedOut:
		return "TIMED_OUT"
	case ErrorTooManyRedirects:
		return "TOO_MANY_REDIRECTS"
	case ErrorConnectionReset:
		return "CONNECTION_RESET"
	default:
		return "OTHER"
	}
}

// NetworkError is the error handed to Callback.OnFailed.
type NetworkError struct {
	Code ErrorCode
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func newNetworkError(err error) *NetworkError {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne
	}
	return &NetworkError{Code: classify(err), Err: err}
}

func classify(err error) ErrorCode {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ErrorTimedOut
		}
		return ErrorHostNameNotResolved
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ErrorConnectionReset
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimedOut
	}
	return ErrorOther
}
