package kernel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionUnavailable   = errors.New("kernel: no live session")
	ErrShutdown             = errors.New("kernel: manager is shut down")
	ErrRequestInFlight      = errors.New("kernel: a request is already in flight")
	ErrUnknownRequest       = errors.New("kernel: request is not in flight")
	ErrStartTimeout         = errors.New("kernel: interpreter did not become ready in time")
	ErrSessionExited        = errors.New("kernel: interpreter exited before becoming ready")
	ErrInterruptUnsupported = errors.New("kernel: interrupt is not supported on this platform")
)

// SessionStartError reports that an interpreter could not be located or
// initialized. It is fatal to that start attempt.
type SessionStartError struct {
	Backend     string
	Err         error
	Diagnostics string
}

func (e *SessionStartError) Error() string {
	msg := fmt.Sprintf("kernel: start %s session: %v", e.Backend, e.Err)
	if d := strings.TrimSpace(e.Diagnostics); d != "" {
		msg += "\n" + d
	}
	return msg
}

func (e *SessionStartError) Unwrap() error {
	return e.Err
}

func startError(backend string, err error, diagnostics string) error {
	var se *SessionStartError
	if errors.As(err, &se) {
		return se
	}
	return &SessionStartError{Backend: backend, Err: err, Diagnostics: diagnostics}
}
