package types

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Error kinds raised by the pipeline. Wrap with fmt.Errorf("...: %w", Err...).
var (
	// ErrSourceExhausted marks a clean end of stream. io.EOF is treated the same way.
	ErrSourceExhausted = errors.New("source exhausted")
	// ErrSourceUnavailable is returned when a device or file cannot be opened.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrInferenceFailure is returned for non-finite network output or backend faults.
	ErrInferenceFailure = errors.New("inference failure")
	// ErrConfiguration is returned when a session is assembled from invalid settings.
	ErrConfiguration = errors.New("configuration error")
	// ErrStageFailure is returned when a post-processor rejects its input.
	ErrStageFailure = errors.New("stage failure")
)

// Kind is a short error classification used in logs, metrics and summaries
type Kind string

const (
	KindNone          Kind = ""
	KindExhausted     Kind = "source_exhausted"
	KindUnavailable   Kind = "source_unavailable"
	KindInference     Kind = "inference_failure"
	KindConfiguration Kind = "configuration_error"
	KindStage         Kind = "stage_failure"
	KindCancelled     Kind = "cancelled"
	KindUnknown       Kind = "unknown"
)

// Classify maps an error onto its Kind using errors.Is only
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, io.EOF), errors.Is(err, ErrSourceExhausted):
		return KindExhausted
	case errors.Is(err, ErrSourceUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrInferenceFailure):
		return KindInference
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrStageFailure):
		return KindStage
	default:
		return KindUnknown
	}
}

// IsEndOfStream reports whether err marks a graceful end of input
func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrSourceExhausted)
}

// SessionError is a fatal session error annotated with the last frame
// that was fully processed before the failure.
type SessionError struct {
	Kind    Kind
	LastSeq uint64
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session aborted after frame #%d (%s): %v", e.LastSeq, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError wraps err with its classification and the last good sequence id
func NewSessionError(err error, lastSeq uint64) *SessionError {
	return &SessionError{Kind: Classify(err), LastSeq: lastSeq, Err: err}
}
