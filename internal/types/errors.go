package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the capture and encode path.
type ErrorKind string

const (
	// ErrorDevice means the source vanished or access was denied
	ErrorDevice ErrorKind = "device"
	// ErrorFormat means the requested capture format is unsupported
	ErrorFormat ErrorKind = "format"
	// ErrorCapture is a transient read failure
	ErrorCapture ErrorKind = "capture"
	// ErrorEncode is an encoder fault
	ErrorEncode ErrorKind = "encode"
	// ErrorIO is a segment write failure
	ErrorIO ErrorKind = "io"
	// ErrorTimeout means a bounded wait was exceeded
	ErrorTimeout ErrorKind = "timeout"
)

var (
	// ErrEndOfStream signals clean source termination, e.g. a captured
	// window closing. It is not a failure; the pipeline finalizes normally.
	ErrEndOfStream = errors.New("end of stream")

	// ErrSourceNotFound is returned for an unknown source id.
	ErrSourceNotFound = errors.New("source not found")

	// ErrSourceNotLive is returned when arming a source whose device is gone.
	ErrSourceNotLive = errors.New("source is not live")

	// ErrInvalidTransition is returned for illegal session state changes.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSessionTerminal is returned for commands against a finalized or
	// failed session.
	ErrSessionTerminal = errors.New("session is in a terminal state")
)

// SourceError ties a failure to the source it occurred on. Every failure
// surfaced to callers carries the source id and kind so a source is never
// silently dropped from an active recording.
type SourceError struct {
	SourceID string
	Kind     ErrorKind
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s error: %v", e.SourceID, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError wraps err with source attribution.
func NewSourceError(sourceID string, kind ErrorKind, err error) *SourceError {
	return &SourceError{SourceID: sourceID, Kind: kind, Err: err}
}

// KindOf extracts the error kind, or empty string for untyped errors.
func KindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
