package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/mail-triage/internal/model"
)

// Failure tags an error with its pipeline failure kind.
type Failure struct {
	Kind model.FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure wraps err with an explicit kind.
func NewFailure(kind model.FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// ParseFailure wraps err as a response that could not be converted to the
// expected schema.
func ParseFailure(err error) *Failure {
	return NewFailure(model.FailureParse, err)
}

// Unavailable wraps err as an endpoint that could not serve the request.
func Unavailable(err error) *Failure {
	return NewFailure(model.FailureUnavailable, err)
}

// StoreWriteFailure wraps err as a failed attempt to persist a result.
func StoreWriteFailure(err error) *Failure {
	return NewFailure(model.FailureStoreWrite, err)
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// KindOf classifies err into the failure taxonomy. An explicit Failure in the
// chain wins; otherwise deadlines map to timeout, cancellation to canceled,
// and connection-level or transient HTTP errors to endpoint_unavailable.
func KindOf(err error) model.FailureKind {
	if err == nil {
		return ""
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return model.FailureCanceled
	}
	if errors.Is(err, ErrCircuitOpen) || IsTransient(err) {
		return model.FailureUnavailable
	}
	return model.FailureUnknown
}

// Retryable reports whether a failed phase call should be attempted again.
// Parse failures and cancellations are final for the attempt budget.
func Retryable(err error) bool {
	switch KindOf(err) {
	case model.FailureTimeout, model.FailureUnavailable:
		return true
	default:
		return false
	}
}

// Degraded reports whether err means the primary model could not answer
// (timeout or unavailable), which is what triggers a fallback model.
func Degraded(err error) bool {
	return Retryable(err)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
