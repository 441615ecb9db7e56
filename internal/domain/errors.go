package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput signals a malformed client request (missing image, unreadable type tag).
	ErrInvalidInput = errors.New("invalid input")
	// ErrPayloadTooLarge signals an upload over the configured size limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrRecognitionFailed signals that the OCR engine failed to produce a result.
	ErrRecognitionFailed = errors.New("recognition failed")
	// ErrRecognitionTimeout signals that the OCR engine exceeded its deadline.
	ErrRecognitionTimeout = errors.New("recognition timed out")
	// ErrObserverClosed signals a write to an observer that has already been dropped.
	ErrObserverClosed = errors.New("observer closed")
)

// RecognitionFailure carries the diagnostic output of a failed recognition call.
type RecognitionFailure struct {
	Engine   string
	Details  string
	ExitCode int
	TimedOut bool
	Elapsed  time.Duration
}

func (e *RecognitionFailure) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s: %s engine after %s", ErrRecognitionTimeout.Error(), e.Engine, e.Elapsed.Round(time.Millisecond))
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %s engine exited with status %d", ErrRecognitionFailed.Error(), e.Engine, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s engine", ErrRecognitionFailed.Error(), e.Engine)
}

// Unwrap maps the failure onto its sentinel so callers can use errors.Is.
func (e *RecognitionFailure) Unwrap() error {
	if e.TimedOut {
		return ErrRecognitionTimeout
	}
	return ErrRecognitionFailed
}

// InvalidInput wraps a client-facing validation message with ErrInvalidInput.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}
