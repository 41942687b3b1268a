package kernel

import (
	"context"
	"time"
)

// Backend launches interpreter sessions. The process backend runs an external
// interpreter; the goja backend runs JavaScript in-process.
type Backend interface {
	// Name identifies the backend in logs and session metadata.
	Name() string

	// Launch starts a session and returns its connection. It does not wait
	// for readiness: the first message on Messages is expected to be MsgReady.
	Launch(ctx context.Context) (Conn, error)
}

// Conn is a live connection to one interpreter session.
type Conn interface {
	// Send writes one command to the session.
	Send(cmd Command) error

	// Messages yields session messages in production order. It is closed
	// when the transport is severed.
	Messages() <-chan Message

	// Interrupt asks the running code to stop cooperatively.
	Interrupt() error

	// Done is closed once the session has exited.
	Done() <-chan struct{}

	// Err returns the exit cause after Done is closed.
	Err() error

	// Diagnostics returns the tail of the session's raw error output.
	Diagnostics() string

	// Close shuts the session down, forcing it after grace. It is safe to
	// call Close multiple times.
	Close(grace time.Duration) error
}
