package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrNoPortsAvailable = errors.New("no rtp ports available")
	ErrSsrcTimeout      = errors.New("no rtp packet observed within the capture window")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrAlreadyRunning   = errors.New("stream already running")
)

// StepError wraps an error with the startup step it occurred in and a
// stable error code the API layer maps onto the response envelope.
type StepError struct {
	Step           string
	ErrorCode      string
	SafeMessage    string
	RequiredAction string
	Err            error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Step, e.ErrorCode, e.SafeMessage, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Step, e.ErrorCode, e.SafeMessage)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func NewStepError(step, code, msg string, err error) *StepError {
	return &StepError{
		Step:        step,
		ErrorCode:   code,
		SafeMessage: msg,
		Err:         err,
	}
}

// InvalidTransition is rejected by the per-stream coordinator when a
// guard fails.
type InvalidTransition struct {
	From string
	To   string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransition) Is(target error) bool {
	return target == ErrInvalidState
}
