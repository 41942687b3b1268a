package execution

import "errors"

var (
	ErrBusy             = errors.New("execution: an execution is already in progress")
	ErrNotReady         = errors.New("execution: session is starting")
	ErrFaulted          = errors.New("execution: session is faulted, restart to continue")
	ErrTerminated       = errors.New("execution: controller is shut down")
	ErrEmptySource      = errors.New("execution: nothing to run")
	ErrSessionCrashed   = errors.New("execution: session crashed")
	ErrInterruptTimeout = errors.New("execution: program did not stop after interrupt")
	ErrNotBusy          = errors.New("execution: nothing is running")
)
