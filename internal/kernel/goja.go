package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// GojaBackend runs JavaScript sessions in-process. The runtime persists
// across requests until the session is restarted.
type GojaBackend struct {
	logger *slog.Logger
}

// NewGojaBackend returns an in-process JavaScript backend.
func NewGojaBackend(logger *slog.Logger) *GojaBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &GojaBackend{logger: logger.With("backend", "goja")}
}

// Name implements Backend.
func (b *GojaBackend) Name() string { return "goja" }

// Launch implements Backend.
func (b *GojaBackend) Launch(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, startError(b.Name(), err, "")
	}

	c := &gojaConn{
		vm:       goja.New(),
		commands: make(chan Command, 16),
		messages: make(chan Message, 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   b.logger,
	}
	if err := c.install(); err != nil {
		return nil, startError(b.Name(), err, "")
	}

	c.messages <- Message{Type: MsgReady, Language: "javascript", Version: "goja (ECMAScript 5.1+)"}
	go c.loop()
	return c, nil
}

type gojaConn struct {
	vm       *goja.Runtime
	commands chan Command
	messages chan Message
	stop     chan struct{}
	done     chan struct{}
	logger   *slog.Logger

	// current is only touched from the loop goroutine.
	current string

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
}

// install binds print and console into the global object.
func (c *gojaConn) install() error {
	if err := c.vm.Set("print", c.writer("stdout")); err != nil {
		return fmt.Errorf("set print: %w", err)
	}
	console := c.vm.NewObject()
	for name, stream := range map[string]string{
		"log":   "stdout",
		"info":  "stdout",
		"error": "stderr",
		"warn":  "stderr",
	} {
		if err := console.Set(name, c.writer(stream)); err != nil {
			return fmt.Errorf("set console.%s: %w", name, err)
		}
	}
	if err := c.vm.Set("console", console); err != nil {
		return fmt.Errorf("set console: %w", err)
	}
	return nil
}

func (c *gojaConn) writer(stream string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		c.messages <- Message{
			Type: MsgStream,
			ID:   c.current,
			Name: stream,
			Text: strings.Join(args, " ") + "\n",
		}
		return goja.Undefined()
	}
}

func (c *gojaConn) loop() {
	defer func() {
		close(c.messages)
		close(c.done)
	}()
	for {
		select {
		case <-c.stop:
			return
		case cmd := <-c.commands:
			switch cmd.Op {
			case OpShutdown:
				return
			case OpExecute:
				c.execute(cmd)
			default:
				c.messages <- Message{Type: MsgStatus, ID: cmd.ID, State: "errored", Text: "unknown op " + strconv.Quote(cmd.Op)}
			}
		}
	}
}

func (c *gojaConn) execute(cmd Command) {
	filename := cmd.Filename
	if filename == "" {
		filename = "<editor>"
	}
	c.current = cmd.ID
	defer func() { c.current = "" }()

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	val, err := c.vm.RunScript(filename, cmd.Code)

	c.mu.Lock()
	c.running = false
	c.vm.ClearInterrupt()
	c.mu.Unlock()

	state := "completed"
	var interrupted *goja.InterruptedError
	switch {
	case errors.As(err, &interrupted):
		state = "interrupted"
	case err != nil:
		c.messages <- c.errorMessage(cmd.ID, err)
	case val != nil && !goja.IsUndefined(val) && !goja.IsNull(val):
		_ = c.vm.Set("_", val)
		c.messages <- Message{Type: MsgResult, ID: cmd.ID, Text: c.format(val)}
	}
	c.messages <- Message{Type: MsgStatus, ID: cmd.ID, State: state}
}

func (c *gojaConn) errorMessage(id string, err error) Message {
	msg := Message{Type: MsgError, ID: id, EName: "Error", EValue: err.Error(), Traceback: err.Error()}
	var exc *goja.Exception
	if !errors.As(err, &exc) {
		return msg
	}
	msg.Traceback = strings.TrimSpace(exc.String())
	if obj, ok := exc.Value().(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			msg.EName = name.String()
		}
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			msg.EValue = m.String()
		}
	} else if v := exc.Value(); v != nil {
		msg.EName = "Uncaught"
		msg.EValue = v.String()
	}
	return msg
}

// format renders a value the way a REPL echoes it.
func (c *gojaConn) format(v goja.Value) string {
	if s, ok := v.Export().(string); ok {
		return strconv.Quote(s)
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return v.String()
	}
	stringify, ok := goja.AssertFunction(c.vm.Get("JSON").ToObject(c.vm).Get("stringify"))
	if !ok {
		return v.String()
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}

func (c *gojaConn) Send(cmd Command) error {
	select {
	case <-c.done:
		return ErrSessionUnavailable
	default:
	}
	select {
	case c.commands <- cmd:
		return nil
	case <-c.done:
		return ErrSessionUnavailable
	}
}

func (c *gojaConn) Messages() <-chan Message { return c.messages }

// Interrupt stops the running script. It is a no-op between requests so a
// late interrupt cannot leak into the next one.
func (c *gojaConn) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrSessionUnavailable
	default:
	}
	if c.running {
		c.vm.Interrupt("KeyboardInterrupt")
	}
	return nil
}

func (c *gojaConn) Done() <-chan struct{} { return c.done }

func (c *gojaConn) Err() error { return nil }

func (c *gojaConn) Diagnostics() string { return "" }

func (c *gojaConn) Close(grace time.Duration) error {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		if c.running {
			c.vm.Interrupt("session closed")
		}
		c.mu.Unlock()
	})
	select {
	case <-c.done:
		return nil
	case <-time.After(grace):
		return errors.New("kernel: javascript session did not stop in time")
	}
}
