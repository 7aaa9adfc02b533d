// Package errors classifies failures into transient and permanent
// categories so retry policy can be decided uniformly across the engine.
package errors

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// ErrorType is the retry classification of an error.
type ErrorType int

const (
	ErrorTypeTransient ErrorType = iota
	ErrorTypePermanent
)

// TransientError marks a failure that is worth retrying: network blips,
// rate limits, busy locks.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: bad input,
// missing resources, rejected credentials.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable with an operator message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError wraps err as non-retryable with an operator message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

var (
	transientFragments = []string{
		"connection refused", "connection reset", "broken pipe",
		"timeout", "deadline exceeded", "temporarily unavailable",
		"rate limit",
	}
	permanentFragments = []string{
		"not found", "permission denied", "invalid", "unauthorized",
		"forbidden", "bad request", "malformed", "non-fast-forward",
	}

	transientStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

	statusPattern = regexp.MustCompile(`(?i)(?:status|http)\s+([1-5]\d\d)`)
)

// IsTransient reports whether err should be retried. Explicit wrappers
// win; otherwise network, syscall, and HTTP-status heuristics apply.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}

	if isRetryableNetErr(err) || isRetryableErrno(err) {
		return true
	}
	if code, ok := embeddedStatus(err); ok {
		return transientStatuses[code]
	}
	return containsAny(err, transientFragments)
}

// IsPermanent reports whether err is known to be unretryable. An error
// can be neither: callers treat unknown errors per their own policy.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return false
	}

	if code, ok := embeddedStatus(err); ok {
		return code >= 400 && code < 500 && !transientStatuses[code]
	}
	return containsAny(err, permanentFragments)
}

// GetErrorType classifies err, defaulting to permanent so an unknown
// error can never retry forever.
func GetErrorType(err error) ErrorType {
	if err != nil && IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}

func containsAny(err error, fragments []string) bool {
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

func isRetryableNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.Temporary()
}

func isRetryableErrno(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
		syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH,
		syscall.EAGAIN:
		return true
	}
	return false
}

// embeddedStatus pulls an HTTP status code out of an error message like
// "request failed with status 503".
func embeddedStatus(err error) (int, bool) {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	code, convErr := strconv.Atoi(m[1])
	return code, convErr == nil
}
