package hub

import (
	"encoding/json"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
)

// Server message types.
const (
	TypeOutput = "output"
	TypeState  = "state"
	TypeClear  = "clear"
	TypeError  = "error"
	TypeHello  = "hello"
)

// Client message types.
const (
	TypeRun       = "run"
	TypeInterrupt = "interrupt"
	TypeRestart   = "restart"
)

type ServerMessage struct {
	Type string `json:"type"`
}

// OutputMessage carries one display event. Consecutive stream chunks of the
// same request and kind may be merged into one message.
type OutputMessage struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	Seq       uint64       `json:"seq,omitempty"`
	Kind      event.Kind   `json:"kind"`
	Text      string       `json:"text"`
	Class     string       `json:"class"`
	Status    event.Status `json:"status,omitempty"`
	Notice    event.Notice `json:"notice,omitempty"`
	Blocking  bool         `json:"blocking,omitempty"`
	ErrorLine int          `json:"error_line,omitempty"`
	Ts        int64        `json:"ts"`
}

type StateMessage struct {
	Type   string      `json:"type"`
	State  event.State `json:"state"`
	CanRun bool        `json:"can_run"`
}

type ClearMessage struct {
	Type string `json:"type"`
}

// HelloMessage is sent once on connect with the current state and the
// output since the last clear.
type HelloMessage struct {
	Type       string            `json:"type"`
	State      event.State       `json:"state"`
	CanRun     bool              `json:"can_run"`
	Session    *kernel.Session   `json:"session,omitempty"`
	Scrollback []json.RawMessage `json:"scrollback"`
}

type ClientMessage struct {
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type hubBroadcast struct {
	data []byte
	// keep records data in the scrollback replayed to new clients.
	keep  bool
	clear bool
}

// classOf maps an event to the CSS-ish class the browser styles it with.
func classOf(ev event.Event) string {
	switch ev.Kind {
	case event.KindStatus:
		return "status-" + string(ev.Status)
	case event.KindNotice:
		if ev.Notice.Blocking() {
			return "notice-blocking"
		}
		return "notice"
	}
	return string(ev.Kind)
}

func outputFromEvent(ev event.Event) OutputMessage {
	return OutputMessage{
		Type:      TypeOutput,
		RequestID: ev.RequestID,
		Seq:       ev.Seq,
		Kind:      ev.Kind,
		Text:      ev.Payload,
		Class:     classOf(ev),
		Status:    ev.Status,
		Notice:    ev.Notice,
		Blocking:  ev.Notice.Blocking(),
		Ts:        ev.Time.UnixMilli(),
	}
}
