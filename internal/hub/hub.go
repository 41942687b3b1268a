// Package hub is the browser display: it streams console output and state
// to websocket clients and accepts run, interrupt, clear and restart
// commands from them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/execution"
	"github.com/user/minipy/internal/kernel"
	"github.com/user/minipy/internal/parser"
)

const (
	defaultBatchInterval = 50 * time.Millisecond
	defaultScrollback    = 2000
	// stateHoldTimeout releases a held state message whose run's terminal
	// event never reaches the hub, e.g. because the relay dropped it.
	stateHoldTimeout = 2 * time.Second
)

// Commands is what clients may ask of the execution controller.
type Commands interface {
	Run(ctx context.Context, src execution.Source) (kernel.Request, error)
	Interrupt(ctx context.Context) error
	Clear(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() execution.Status
}

// Hub implements relay.Display and execution.Observer.
type Hub struct {
	execution.NopObserver

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan hubBroadcast
	commands   Commands
	token      string
	logger     *slog.Logger
	mu         sync.RWMutex
	batch      *batcher
	running    atomic.Bool

	scrollback      [][]byte
	scrollbackLimit int

	stateMu   sync.RWMutex
	state     event.State
	session   *kernel.Session
	filenames map[string]string
	// current is the request whose terminal event has not been shown yet.
	// The state change that ends it is held until that event is broadcast.
	current   string
	held      *event.State
	holdGen   uint64
}

type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBatchInterval sets how long stream output is held for merging. Zero
// disables merging.
func WithBatchInterval(d time.Duration) Option {
	return func(h *Hub) { h.batch.interval = d }
}

// WithScrollback caps the output replayed to newly connected clients.
func WithScrollback(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.scrollbackLimit = n
		}
	}
}

// New creates a Hub. Clients must present token.
func New(token string, commands Commands, opts ...Option) *Hub {
	h := &Hub{
		clients:         make(map[string]*Client),
		register:        make(chan *Client, 16),
		unregister:      make(chan *Client, 16),
		broadcast:       make(chan hubBroadcast, 1024),
		commands:        commands,
		token:           token,
		logger:          slog.Default(),
		scrollbackLimit: defaultScrollback,
		state:           event.StateStarting,
		filenames:       make(map[string]string),
	}
	h.batch = newBatcher(defaultBatchInterval, func(msg OutputMessage) {
		h.send(msg, true)
	})
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.batch.Flush()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			if hello, err := json.Marshal(h.hello()); err == nil {
				client.send <- hello
			}
			go client.writePump(ctx)
			go client.readPump(ctx)
			h.logger.Info("client connected", "client", client.id, "total", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client", client.id, "total", h.ClientCount())

		case b := <-h.broadcast:
			switch {
			case b.clear:
				h.scrollback = nil
			case b.keep:
				h.scrollback = append(h.scrollback, b.data)
				if over := len(h.scrollback) - h.scrollbackLimit; over > 0 {
					h.scrollback = append([][]byte(nil), h.scrollback[over:]...)
				}
			}
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- b.data:
				default:
					h.logger.Warn("client send buffer full, dropping message", "client", c.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// hello runs on the Run goroutine, which owns the scrollback.
func (h *Hub) hello() HelloMessage {
	h.stateMu.RLock()
	msg := HelloMessage{Type: TypeHello, State: h.state, CanRun: h.state.CanRun(), Session: h.session}
	h.stateMu.RUnlock()
	msg.Scrollback = make([]json.RawMessage, len(h.scrollback))
	for i, data := range h.scrollback {
		msg.Scrollback[i] = data
	}
	return msg
}

func (h *Hub) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return token != "" && token == h.token
}

// HandleWebSocket upgrades an authorized request to a client connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := newClient(conn, h)
	select {
	case h.register <- client:
	default:
		h.logger.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// Append implements relay.Display.
func (h *Hub) Append(_ context.Context, ev event.Event) error {
	msg := outputFromEvent(ev)
	if ev.Kind == event.KindError {
		msg.ErrorLine = h.errorLine(ev)
	}
	if h.batch.interval <= 0 {
		h.send(msg, true)
	} else {
		h.batch.Add(msg)
	}
	if ev.Terminal() {
		h.stateMu.Lock()
		done := ev.RequestID != "" && ev.RequestID == h.current
		if done {
			h.current = ""
		}
		h.stateMu.Unlock()
		if done {
			h.releaseHeld(0)
		}
	}
	return nil
}

// Reset implements relay.Display.
func (h *Hub) Reset(context.Context) error {
	h.batch.Drop()
	data, err := json.Marshal(ClearMessage{Type: TypeClear})
	if err != nil {
		return err
	}
	h.enqueue(hubBroadcast{data: data, clear: true})
	return nil
}

func (h *Hub) errorLine(ev event.Event) int {
	tb, ok := parser.ParseTraceback(ev.Payload)
	if !ok {
		return 0
	}
	h.stateMu.RLock()
	filename := h.filenames[ev.RequestID]
	h.stateMu.RUnlock()
	if n, ok := tb.LineIn(filename); ok {
		return n
	}
	return 0
}

// StateChanged broadcasts the new state. A run's Idle or Faulted state is
// held until its terminal event has gone out, so clients never see Run
// enabled before the run's last output.
func (h *Hub) StateChanged(prev, next event.State) {
	h.stateMu.Lock()
	h.state = next
	ending := prev == event.StateBusy || prev == event.StateInterrupting
	if ending && h.current != "" && (next == event.StateIdle || next == event.StateFaulted) {
		h.held = &next
		h.holdGen++
		gen := h.holdGen
		h.stateMu.Unlock()
		time.AfterFunc(stateHoldTimeout, func() { h.releaseHeld(gen) })
		return
	}
	if next != event.StateBusy && next != event.StateInterrupting {
		h.current = ""
	}
	h.held = nil
	h.stateMu.Unlock()
	h.sendState(next)
}

func (h *Hub) sendState(s event.State) {
	h.batch.Flush()
	h.send(StateMessage{Type: TypeState, State: s, CanRun: s.CanRun()}, false)
}

// releaseHeld sends the held state if it is still the one from generation
// gen. Generation zero releases whatever is held.
func (h *Hub) releaseHeld(gen uint64) {
	h.stateMu.Lock()
	held := h.held
	if held == nil || (gen != 0 && gen != h.holdGen) {
		h.stateMu.Unlock()
		return
	}
	h.held = nil
	h.current = ""
	h.stateMu.Unlock()
	h.sendState(*held)
}

func (h *Hub) SessionStarted(sess kernel.Session) {
	h.stateMu.Lock()
	h.session = &sess
	h.stateMu.Unlock()
}

// RunStarted remembers the request's filename for traceback line lookup.
// Only the latest request is kept; its error is the one shown.
func (h *Hub) RunStarted(req kernel.Request) {
	h.releaseHeld(0)
	h.stateMu.Lock()
	h.filenames = map[string]string{req.ID: req.Filename}
	h.current = req.ID
	h.stateMu.Unlock()
}

func (h *Hub) send(msg any, keep bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}
	h.enqueue(hubBroadcast{data: data, keep: keep})
}

func (h *Hub) enqueue(b hubBroadcast) {
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// SendError sends an error message to one client.
func (h *Hub) SendError(client *Client, code, message string) {
	data, err := json.Marshal(ErrorMessage{Type: TypeError, Code: code, Message: message})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handle executes one client command.
func (h *Hub) handle(ctx context.Context, c *Client, msg ClientMessage) {
	if h.commands == nil {
		h.SendError(c, "unavailable", "no session attached")
		return
	}
	var err error
	switch msg.Type {
	case TypeRun:
		_, err = h.commands.Run(ctx, execution.Source{Text: msg.Code, Filename: msg.Filename})
	case TypeInterrupt:
		err = h.commands.Interrupt(ctx)
	case TypeClear:
		err = h.commands.Clear(ctx)
	case TypeRestart:
		err = h.commands.Restart(ctx)
	default:
		h.SendError(c, "bad-request", "unknown message type: "+msg.Type)
		return
	}
	if err != nil {
		h.SendError(c, ErrorCode(err), err.Error())
	}
}

// ErrorCode maps controller errors to stable client-facing codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, execution.ErrBusy):
		return string(event.NoticeExecutionInProgress)
	case errors.Is(err, execution.ErrNotBusy):
		return "not-busy"
	case errors.Is(err, execution.ErrEmptySource):
		return "empty-source"
	case errors.Is(err, execution.ErrNotReady):
		return "not-ready"
	case errors.Is(err, execution.ErrSessionCrashed), errors.Is(err, execution.ErrFaulted):
		return string(event.NoticeSessionCrashed)
	case errors.Is(err, execution.ErrTerminated):
		return "terminated"
	}
	var startErr *kernel.SessionStartError
	if errors.As(err, &startErr) {
		return string(event.NoticeSessionStartError)
	}
	return "internal"
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.running.Load() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn("unregister channel full, forcing close", "client", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
