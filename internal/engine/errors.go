package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by Analyze once Stop has been called.
	ErrStopped = errors.New("engine stopped")

	// ErrExited means the engine process went away on its own.
	ErrExited = errors.New("engine process exited")

	// ErrHandshakeTimeout means the engine did not finish the UCI handshake
	// within the startup timeout.
	ErrHandshakeTimeout = errors.New("uci handshake timed out")

	// ErrInvalidBudget is returned for a non-positive time budget.
	ErrInvalidBudget = errors.New("time budget must be positive")
)

// StartError is returned by Start when the engine cannot be launched or does
// not complete the UCI handshake. It is fatal for the service.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start engine %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// AnalysisError is returned by Analyze when the engine pipe is broken, the
// process is gone, or its output cannot be parsed.
type AnalysisError struct {
	Op  string
	Err error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }
