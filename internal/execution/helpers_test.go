package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
)

// recordingRelay captures everything the controller publishes.
type recordingRelay struct {
	mu     sync.Mutex
	events []event.Event
	resets int
}

func (r *recordingRelay) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingRelay) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.resets++
}

func (r *recordingRelay) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recordingRelay) notices(n event.Notice) int {
	count := 0
	for _, ev := range r.snapshot() {
		if ev.Kind == event.KindNotice && ev.Notice == n {
			count++
		}
	}
	return count
}

func (r *recordingRelay) stdout() string {
	var out string
	for _, ev := range r.snapshot() {
		if ev.Kind == event.KindStdout {
			out += ev.Payload
		}
	}
	return out
}

func (r *recordingRelay) lastStatus() event.Status {
	evs := r.snapshot()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == event.KindStatus {
			return evs[i].Status
		}
	}
	return ""
}

// stubBackend simulates an interpreter. Code "hang" ignores interrupts,
// "loop" stops on interrupt and "crash" kills the session.
type stubBackend struct {
	mu       sync.Mutex
	launches int
	conns    []*stubConn
	fail     error
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Launch(_ context.Context) (kernel.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launches++
	if b.fail != nil {
		return nil, b.fail
	}
	c := &stubConn{messages: make(chan kernel.Message, 64), done: make(chan struct{})}
	c.messages <- kernel.Message{Type: kernel.MsgReady, Language: "stub", Version: "0.1"}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *stubBackend) last() *stubConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

type stubConn struct {
	mu       sync.Mutex
	messages chan kernel.Message
	done     chan struct{}
	running  kernel.Command
	closed   bool
}

func (c *stubConn) Send(cmd kernel.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kernel.ErrSessionUnavailable
	}
	if cmd.Op != kernel.OpExecute {
		return nil
	}
	switch cmd.Code {
	case "hang", "loop":
		c.running = cmd
	case "crash":
		c.closeLocked()
	default:
		c.messages <- kernel.Message{Type: kernel.MsgStream, ID: cmd.ID, Name: "stdout", Text: cmd.Code + "\n"}
		c.messages <- kernel.Message{Type: kernel.MsgStatus, ID: cmd.ID, State: "completed"}
	}
	return nil
}

func (c *stubConn) Messages() <-chan kernel.Message { return c.messages }

func (c *stubConn) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Code == "loop" {
		c.messages <- kernel.Message{Type: kernel.MsgStatus, ID: c.running.ID, State: "interrupted"}
		c.running = kernel.Command{}
	}
	return nil
}

func (c *stubConn) Done() <-chan struct{} { return c.done }
func (c *stubConn) Err() error { return nil }
func (c *stubConn) Diagnostics() string { return "" }

func (c *stubConn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.messages)
	close(c.done)
}

func (c *stubConn) crash() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *stubConn) Close(_ time.Duration) error {
	c.crash()
	return nil
}

// stateLog records StateChanged callbacks.
type stateLog struct {
	NopObserver
	mu       sync.Mutex
	states   []event.State
	finished []event.Status
}

func (l *stateLog) StateChanged(_, next event.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, next)
}

func (l *stateLog) RunFinished(_ kernel.Request, status event.Status, _ int, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, status)
}

func (l *stateLog) snapshot() ([]event.State, []event.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.State(nil), l.states...), append([]event.Status(nil), l.finished...)
}

type fixture struct {
	ctrl    *Controller
	mgr     *kernel.Manager
	relay   *recordingRelay
	backend kernel.Backend
	log     *stateLog
}

func newFixture(t *testing.T, backend kernel.Backend, opts ...Option) *fixture {
	t.Helper()
	mgr := kernel.NewManager(backend, kernel.WithShutdownGrace(200*time.Millisecond))
	rel := &recordingRelay{}
	log := &stateLog{}
	opts = append([]Option{WithObserver(log), WithInterruptGrace(300 * time.Millisecond)}, opts...)
	ctrl := New(mgr, kernel.NewChannel(mgr), rel, opts...)
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })
	return &fixture{ctrl: ctrl, mgr: mgr, relay: rel, backend: backend, log: log}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Start(context.Background()))
	require.Equal(t, event.StateIdle, f.ctrl.State())
}

func waitState(t *testing.T, c *Controller, want event.State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 5*time.Second, 5*time.Millisecond,
		"state never became %s (now %s)", want, c.State())
}
