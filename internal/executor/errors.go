package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrNotRunning  = errors.New("executor not running")
	ErrNotWaiting  = errors.New("executor not accepting input")
	ErrLeaseHeld   = errors.New("script already running")
	ErrAlreadyRuns = errors.New("an execution is already active")
	errNoPTY       = errors.New("pty unavailable")
	errSpawn       = errors.New("interpreter spawn failed")
)

// ExecError wraps errors with the request they belong to.
type ExecError struct {
	RequestID string
	Op        string
	Err       error
}

func (e *ExecError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.RequestID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
