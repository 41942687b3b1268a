// Package execution implements the state machine that sits between the
// editor surfaces and the interpreter session.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
)

// DefaultInterruptGrace is how long an interrupted program may take to stop
// before the session is restarted.
const DefaultInterruptGrace = 2 * time.Second

// Session is the lifecycle side of the interpreter session.
type Session interface {
	Start(ctx context.Context) (kernel.Session, error)
	Restart(ctx context.Context) (kernel.Session, error)
	HealthCheck(ctx context.Context) bool
	Shutdown(ctx context.Context) error
}

// Transport submits requests to the session.
type Transport interface {
	Submit(ctx context.Context, req kernel.Request) (*kernel.Stream, error)
	Interrupt(requestID string) error
}

// Relay receives display events. Both methods must not block.
type Relay interface {
	Publish(ev event.Event)
	Reset()
}

// Status is a point-in-time view of the controller.
type Status struct {
	State   event.State     `json:"state"`
	Session kernel.Session  `json:"session"`
	Request *kernel.Request `json:"request,omitempty"`
}

type inflight struct {
	req       kernel.Request
	stream    *kernel.Stream
	started   time.Time
	timer     *time.Timer
	events    int
	abandoned bool
	done      chan struct{}
}

// Controller owns the session state and is the only component that submits
// code to the session.
type Controller struct {
	session        Session
	transport      Transport
	relay          Relay
	logger         *slog.Logger
	interruptGrace time.Duration
	autoRestart    bool

	mu        sync.Mutex
	state     event.State
	sess      kernel.Session
	sessOpen  bool
	fl        *inflight
	observers []Observer

	// notifyMu keeps StateChanged callbacks in transition order. It is
	// acquired while holding mu and released after the callbacks ran.
	notifyMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithInterruptGrace sets how long Interrupt waits before forcing a restart.
func WithInterruptGrace(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interruptGrace = d
		}
	}
}

// WithAutoRestart restarts the session by itself after a crash.
func WithAutoRestart(on bool) Option {
	return func(c *Controller) { c.autoRestart = on }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// New creates a Controller in the Starting state. Call Start to bring the
// session up.
func New(session Session, transport Transport, relay Relay, opts ...Option) *Controller {
	c := &Controller{
		session:        session,
		transport:      transport,
		relay:          relay,
		logger:         slog.Default(),
		interruptGrace: DefaultInterruptGrace,
		state:          event.StateStarting,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddObserver registers o for subsequent transitions.
func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// State returns the current state.
func (c *Controller) State() event.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current state, session and in-flight request.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Session: c.sess}
	st.Session.Alive = c.sessOpen && c.state != event.StateFaulted
	if c.fl != nil {
		req := c.fl.req
		st.Request = &req
	}
	return st
}

// Start brings the session up. A failure leaves the controller Faulted with
// a blocking notice and is not retried.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == event.StateTerminated {
		c.mu.Unlock()
		return ErrTerminated
	}
	fire := c.setStateLocked(event.StateStarting)
	c.mu.Unlock()
	fire()

	_, err := c.launch(ctx, false)
	return err
}

// Restart abandons any in-flight request and replaces the session.
func (c *Controller) Restart(ctx context.Context) error {
	_, err := c.restart(ctx, EndRestart)
	return err
}

func (c *Controller) restart(ctx context.Context, reason string) (kernel.Session, error) {
	c.mu.Lock()
	if c.state == event.StateTerminated {
		c.mu.Unlock()
		return kernel.Session{}, ErrTerminated
	}
	fl := c.abandonLocked()
	ended, endedOK := c.endSessionLocked()
	fire := c.setStateLocked(event.StateStarting)
	c.mu.Unlock()

	fire()
	c.finishAbandoned(fl)
	if endedOK {
		c.notify(func(o Observer) { o.SessionEnded(ended, reason) })
	}
	c.logger.Info("restarting session", "reason", reason)
	return c.launch(ctx, true)
}

func (c *Controller) launch(ctx context.Context, restart bool) (kernel.Session, error) {
	var (
		sess kernel.Session
		err  error
	)
	if restart {
		sess, err = c.session.Restart(ctx)
	} else {
		sess, err = c.session.Start(ctx)
	}

	c.mu.Lock()
	if c.state == event.StateTerminated {
		c.mu.Unlock()
		return kernel.Session{}, ErrTerminated
	}
	if err != nil {
		c.relay.Publish(event.NewNotice(event.NoticeSessionStartError, err.Error()))
		fire := c.setStateLocked(event.StateFaulted)
		c.mu.Unlock()
		fire()
		c.logger.Error("session start failed", "error", err)
		return kernel.Session{}, err
	}
	c.sess = sess
	c.sessOpen = true
	c.relay.Publish(event.NewNotice(event.NoticeSessionReady, Banner(sess)))
	fire := c.setStateLocked(event.StateIdle)
	c.mu.Unlock()

	fire()
	c.notify(func(o Observer) { o.SessionStarted(sess) })
	return sess, nil
}

// Banner is the greeting shown when a session becomes ready.
func Banner(sess kernel.Session) string {
	lang := sess.Language
	if lang != "" {
		lang = strings.ToUpper(lang[:1]) + lang[1:]
	}
	return strings.TrimSpace(fmt.Sprintf("MiniPy — %s %s", lang, sess.Version)) + " | Type ? for help"
}

// RunAll runs the editor's whole buffer.
func (c *Controller) RunAll(ctx context.Context, ed Editor) (kernel.Request, error) {
	return c.Run(ctx, Source{Text: ed.BufferText(), Filename: editorFilename(ed)})
}

// RunSelection runs the editor's selection, or the whole buffer when
// nothing is selected.
func (c *Controller) RunSelection(ctx context.Context, ed Editor) (kernel.Request, error) {
	sel, ok := ed.SelectionText()
	if !ok || strings.TrimSpace(sel) == "" {
		return c.RunAll(ctx, ed)
	}
	return c.Run(ctx, Source{Text: sel, Filename: editorFilename(ed)})
}

// Run submits src. It is accepted only while Idle; while a request is in
// flight it is rejected with ErrBusy.
func (c *Controller) Run(ctx context.Context, src Source) (kernel.Request, error) {
	if strings.TrimSpace(src.Text) == "" {
		return kernel.Request{}, ErrEmptySource
	}

	c.mu.Lock()
	switch c.state {
	case event.StateBusy, event.StateInterrupting:
		c.relay.Publish(event.NewNotice(event.NoticeExecutionInProgress, "An execution is already in progress."))
		c.mu.Unlock()
		return kernel.Request{}, ErrBusy
	case event.StateStarting:
		c.mu.Unlock()
		return kernel.Request{}, ErrNotReady
	case event.StateFaulted:
		c.mu.Unlock()
		return kernel.Request{}, ErrFaulted
	case event.StateTerminated:
		c.mu.Unlock()
		return kernel.Request{}, ErrTerminated
	}

	if !c.session.HealthCheck(ctx) {
		return kernel.Request{}, c.crashedLocked()
	}

	req := kernel.NewRequest(src.Text, src.filename())
	stream, err := c.transport.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, kernel.ErrSessionUnavailable) {
			return kernel.Request{}, c.crashedLocked()
		}
		c.mu.Unlock()
		return kernel.Request{}, fmt.Errorf("execution: submit: %w", err)
	}

	fl := &inflight{req: req, stream: stream, started: time.Now(), done: make(chan struct{})}
	c.fl = fl
	fire := c.setStateLocked(event.StateBusy)
	c.mu.Unlock()

	fire()
	c.notify(func(o Observer) { o.RunStarted(req) })
	c.logger.Debug("run started", "request_id", req.ID, "filename", req.Filename)
	go c.pump(fl)
	return req, nil
}

// crashedLocked handles a session found dead while Idle. It releases c.mu.
func (c *Controller) crashedLocked() error {
	c.relay.Publish(event.NewNotice(event.NoticeSessionCrashed, "The session is no longer running."))
	ended, endedOK := c.endSessionLocked()
	fire := c.setStateLocked(event.StateFaulted)
	auto := c.autoRestart
	c.mu.Unlock()

	fire()
	if endedOK {
		c.notify(func(o Observer) { o.SessionEnded(ended, EndCrashed) })
	}
	if auto {
		go c.autoRestartAfterCrash()
	}
	return ErrSessionCrashed
}

// pump forwards one request's events to the relay. Events of a request that
// is no longer current are dropped.
func (c *Controller) pump(fl *inflight) {
	defer close(fl.done)
	for ev := range fl.stream.Events() {
		c.mu.Lock()
		if c.fl != fl || fl.abandoned {
			c.mu.Unlock()
			continue
		}
		fl.events++
		c.relay.Publish(ev)
		if !ev.Terminal() {
			c.mu.Unlock()
			continue
		}

		if fl.timer != nil {
			fl.timer.Stop()
		}
		c.fl = nil
		crashed := ev.Status == event.StatusFaulted
		var (
			fire    func()
			ended   kernel.Session
			endedOK bool
		)
		if crashed {
			c.relay.Publish(event.NewNotice(event.NoticeSessionCrashed, "The session stopped unexpectedly. Restart to continue."))
			ended, endedOK = c.endSessionLocked()
			fire = c.setStateLocked(event.StateFaulted)
		} else {
			fire = c.setStateLocked(event.StateIdle)
		}
		auto := crashed && c.autoRestart
		c.mu.Unlock()

		fire()
		elapsed := time.Since(fl.started)
		events := fl.events
		c.notify(func(o Observer) { o.RunFinished(fl.req, ev.Status, events, elapsed) })
		c.logger.Debug("run finished", "request_id", fl.req.ID, "status", ev.Status, "events", events, "elapsed", elapsed)
		if endedOK {
			c.notify(func(o Observer) { o.SessionEnded(ended, EndCrashed) })
		}
		if auto {
			c.autoRestartAfterCrash()
		}
	}
}

func (c *Controller) autoRestartAfterCrash() {
	c.logger.Info("restarting crashed session")
	if _, err := c.restart(context.Background(), EndCrashed); err != nil && !errors.Is(err, ErrTerminated) {
		c.logger.Error("automatic restart failed", "error", err)
	}
}

// Interrupt asks the running program to stop. If it has not stopped within
// the grace period the request is abandoned and the session restarted.
func (c *Controller) Interrupt(_ context.Context) error {
	c.mu.Lock()
	switch c.state {
	case event.StateInterrupting:
		c.mu.Unlock()
		return nil
	case event.StateBusy:
	default:
		c.mu.Unlock()
		return ErrNotBusy
	}
	fl := c.fl
	fire := c.setStateLocked(event.StateInterrupting)
	fl.timer = time.AfterFunc(c.interruptGrace, func() { c.interruptExpired(fl) })
	c.mu.Unlock()
	fire()

	if err := c.transport.Interrupt(fl.req.ID); err != nil {
		if errors.Is(err, kernel.ErrUnknownRequest) {
			return nil
		}
		c.logger.Warn("interrupt failed, forcing restart", "request_id", fl.req.ID, "error", err)
		fl.timer.Stop()
		go c.interruptExpired(fl)
	}
	return nil
}

func (c *Controller) interruptExpired(fl *inflight) {
	c.mu.Lock()
	if c.fl != fl {
		c.mu.Unlock()
		return
	}
	c.abandonLocked()
	c.relay.Publish(event.NewNotice(event.NoticeInterruptTimeout,
		fmt.Sprintf("The program did not stop within %s. Restarting the session.", c.interruptGrace)))
	c.mu.Unlock()

	c.finishAbandoned(fl)
	c.logger.Warn("interrupt timed out", "request_id", fl.req.ID, "grace", c.interruptGrace)
	if _, err := c.restart(context.Background(), EndInterruptTimeout); err != nil && !errors.Is(err, ErrTerminated) {
		c.logger.Error("restart after interrupt timeout failed", "error", err)
	}
}

// Clear empties the display. A running program is interrupted first and
// waited for, bounded by the interrupt grace period plus the restart.
func (c *Controller) Clear(ctx context.Context) error {
	c.mu.Lock()
	fl := c.fl
	c.mu.Unlock()

	if fl != nil {
		if err := c.Interrupt(ctx); err != nil && !errors.Is(err, ErrNotBusy) {
			return err
		}
		wait := time.NewTimer(2 * c.interruptGrace)
		defer wait.Stop()
		select {
		case <-fl.done:
		case <-wait.C:
			c.logger.Warn("clear gave up waiting for the running program", "request_id", fl.req.ID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.relay.Reset()
	c.mu.Unlock()
	return nil
}

// Shutdown releases the session and moves to Terminated. It is idempotent.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == event.StateTerminated {
		c.mu.Unlock()
		return nil
	}
	fl := c.abandonLocked()
	ended, endedOK := c.endSessionLocked()
	fire := c.setStateLocked(event.StateTerminated)
	c.mu.Unlock()

	fire()
	c.finishAbandoned(fl)
	err := c.session.Shutdown(ctx)
	if endedOK {
		c.notify(func(o Observer) { o.SessionEnded(ended, EndShutdown) })
	}
	if err != nil {
		return fmt.Errorf("execution: shutdown: %w", err)
	}
	return nil
}

// Wait blocks until the in-flight request, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	fl := c.fl
	c.mu.Unlock()
	if fl == nil {
		return nil
	}
	select {
	case <-fl.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) abandonLocked() *inflight {
	fl := c.fl
	if fl == nil {
		return nil
	}
	fl.abandoned = true
	if fl.timer != nil {
		fl.timer.Stop()
	}
	c.fl = nil
	return fl
}

func (c *Controller) finishAbandoned(fl *inflight) {
	if fl == nil {
		return
	}
	elapsed := time.Since(fl.started)
	c.notify(func(o Observer) { o.RunFinished(fl.req, event.StatusFaulted, fl.events, elapsed) })
}

func (c *Controller) endSessionLocked() (kernel.Session, bool) {
	if !c.sessOpen {
		return kernel.Session{}, false
	}
	c.sessOpen = false
	sess := c.sess
	sess.Alive = false
	return sess, true
}

// setStateLocked moves to next and returns a func that notifies observers.
// The caller must release mu and then call the returned func exactly once.
func (c *Controller) setStateLocked(next event.State) func() {
	prev := c.state
	if prev == next {
		return func() {}
	}
	c.state = next
	c.logger.Debug("state changed", "from", prev, "to", next)
	observers := append([]Observer(nil), c.observers...)
	c.notifyMu.Lock()
	return func() {
		defer c.notifyMu.Unlock()
		for _, o := range observers {
			o.StateChanged(prev, next)
		}
	}
}

func (c *Controller) notify(fn func(Observer)) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		fn(o)
	}
}
