package event

import "time"

// Kind tags an Event with what produced it.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindResult Kind = "result-value"
	KindError  Kind = "error-traceback"
	KindStatus Kind = "status-change"
	// KindNotice is display-only. It is produced by the controller and the
	// relay, never by a session.
	KindNotice Kind = "notice"
)

// Status is the terminal outcome carried by a status-change event.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusErrored     Status = "errored"
	StatusInterrupted Status = "interrupted"
	StatusFaulted     Status = "faulted"
)

// Terminal reports whether s ends a request's event stream.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusInterrupted, StatusFaulted:
		return true
	}
	return false
}

// Notice identifies a user-visible notice.
type Notice string

const (
	NoticeSessionReady        Notice = "session-ready"
	NoticeSessionStartError   Notice = "session-start-error"
	NoticeSessionCrashed      Notice = "session-crashed"
	NoticeInterruptTimeout    Notice = "interrupt-timeout"
	NoticeExecutionInProgress Notice = "execution-in-progress"
	NoticeRelayOverflow       Notice = "relay-overflow"
)

// Blocking reports whether the notice should stop the user until acknowledged.
// Everything else is transient or informational.
func (n Notice) Blocking() bool {
	return n == NoticeSessionStartError
}

// Event is one unit of streamed output, result or status.
type Event struct {
	RequestID string    `json:"request_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Kind      Kind      `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Notice    Notice    `json:"notice,omitempty"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether e is the final event of a request.
func (e Event) Terminal() bool {
	return e.Kind == KindStatus && e.Status.Terminal()
}

// NewNotice builds a display notice.
func NewNotice(n Notice, text string) Event {
	return Event{Kind: KindNotice, Notice: n, Payload: text, Time: time.Now()}
}

// State is the session state exposed to the display surface.
type State string

const (
	StateStarting     State = "starting"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateInterrupting State = "interrupting"
	StateFaulted      State = "faulted"
	StateTerminated   State = "terminated"
)

// CanRun reports whether the Run affordance should be enabled.
func (s State) CanRun() bool {
	return s == StateIdle
}
