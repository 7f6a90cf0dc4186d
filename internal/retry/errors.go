package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes recorded on failed deliveries and attempts.
const (
	CodeMaxRetries  = "MAX_RETRIES_EXCEEDED"
	CodePermanent   = "PERMANENT_ERROR"
	CodeTimeout     = "TIMEOUT"
	CodeInterrupted = "INTERRUPTED"
	CodeUnknown     = "UNKNOWN"
)

// ErrInterrupted marks an attempt that was claimed but never acknowledged,
// e.g. the process died mid-publish.
var ErrInterrupted = WithCode(errors.New("attempt interrupted before completion"), CodeInterrupted)

// Permanent marks an error as non-retryable.
//
// Publishers wrap revoked credentials or content the platform rejected so the
// delivery fails fast instead of burning its retries:
//
//	return "", retry.Permanent(fmt.Errorf("tweet rejected: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a platform-provided delay hint (e.g. from HTTP 429).
// The controller honors the hint when it is longer than the computed backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// WithCode attaches a machine-readable code to err.
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code string
}

func (e codedError) Error() string { return e.err.Error() }
func (e codedError) Unwrap() error { return e.err }
func (e codedError) Code() string  { return e.code }

// CodeOf extracts the most specific code carried by err.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var c interface{ Code() string }
	if errors.As(err, &c) && c.Code() != "" {
		return c.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if IsPermanent(err) {
		return CodePermanent
	}
	return CodeUnknown
}
