package kernel

import "github.com/user/minipy/internal/event"

// Command is a host to session message, encoded as one JSON line.
type Command struct {
	Op       string `json:"op"`
	ID       string `json:"id,omitempty"`
	Code     string `json:"code,omitempty"`
	Filename string `json:"filename,omitempty"`
}

const (
	OpExecute  = "execute"
	OpShutdown = "shutdown"
)

// Message is a session to host message, decoded from one JSON line.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text,omitempty"`
	EName     string `json:"ename,omitempty"`
	EValue    string `json:"evalue,omitempty"`
	Traceback string `json:"traceback,omitempty"`
	State     string `json:"state,omitempty"`
	Language  string `json:"language,omitempty"`
	Version   string `json:"version,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

const (
	MsgReady  = "ready"
	MsgStream = "stream"
	MsgResult = "result"
	MsgError  = "error"
	MsgStatus = "status"
)

// event converts a request-scoped message into an Event. Sequence numbers
// and request IDs are stamped later by the Stream.
func (m Message) event() (event.Event, bool) {
	switch m.Type {
	case MsgStream:
		kind := event.KindStdout
		if m.Name == "stderr" {
			kind = event.KindStderr
		}
		return event.Event{Kind: kind, Payload: m.Text}, true
	case MsgResult:
		return event.Event{Kind: event.KindResult, Payload: m.Text}, true
	case MsgError:
		payload := m.Traceback
		if payload == "" {
			payload = m.EName + ": " + m.EValue
		}
		return event.Event{Kind: event.KindError, Payload: payload}, true
	case MsgStatus:
		status := event.Status(m.State)
		if !status.Terminal() || status == event.StatusFaulted {
			return event.Event{}, false
		}
		return event.Event{Kind: event.KindStatus, Status: status, Payload: m.Text}, true
	}
	return event.Event{}, false
}
