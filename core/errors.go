package core

import (
	"errors"
	"fmt"
)

// Service names a downstream backend.
type Service string

const (
	ServiceTranscription Service = "transcription"
	ServiceInference     Service = "inference"
	ServiceSynthesis     Service = "synthesis"
)

// ValidationError is the client's fault: missing or empty text, over-length
// input, malformed JSON, missing audio. It is always raised before any
// downstream call or state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UpstreamError reports that one downstream backend failed. Status is the
// upstream HTTP status, or 0 when no response was received.
type UpstreamError struct {
	Service Service
	Status  int
	Body    string
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s backend failed", e.Service)
	if e.Status != 0 {
		msg += fmt.Sprintf(" with status %d", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StreamAbortCause distinguishes why a streamed response ended early.
type StreamAbortCause string

const (
	AbortClientGone      StreamAbortCause = "client_gone"
	AbortUpstreamBroken  StreamAbortCause = "upstream_broken"
	AbortUpstreamTimeout StreamAbortCause = "upstream_timeout"
)

// StreamAbort ends a response whose headers were already committed. It can
// only be surfaced by terminating the connection.
type StreamAbort struct {
	Cause StreamAbortCause
	Err   error
}

func (e *StreamAbort) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stream aborted (%s)", e.Cause)
	}
	return fmt.Sprintf("stream aborted (%s): %v", e.Cause, e.Err)
}

func (e *StreamAbort) Unwrap() error {
	return e.Err
}

// StartupConfigError is fatal: the process must not serve traffic.
type StartupConfigError struct {
	Key    string
	Reason string
}

func (e *StartupConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
