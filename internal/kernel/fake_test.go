package kernel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeBackend launches fakeConns whose replies come from a script function.
type fakeBackend struct {
	mu       sync.Mutex
	launches int
	conns    []*fakeConn
	// script answers an execute command. Nil replies leave the request open.
	script    func(cmd Command) []Message
	launchErr error
	noReady   bool
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Launch(_ context.Context) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launches++
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	c := &fakeConn{
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
		script:   b.script,
	}
	if !b.noReady {
		c.messages <- Message{Type: MsgReady, Language: "fake", Version: "1.0", PID: 4242}
	}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBackend) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

type fakeConn struct {
	mu         sync.Mutex
	messages   chan Message
	done       chan struct{}
	script     func(cmd Command) []Message
	sent       []Command
	interrupts int
	closed     bool
}

func (c *fakeConn) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionUnavailable
	}
	c.sent = append(c.sent, cmd)
	if cmd.Op == OpExecute && c.script != nil {
		for _, msg := range c.script(cmd) {
			c.messages <- msg
		}
	}
	return nil
}

func (c *fakeConn) push(msg Message) { c.messages <- msg }

func (c *fakeConn) Messages() <-chan Message { return c.messages }

func (c *fakeConn) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts++
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error { return errors.New("signal: killed") }

func (c *fakeConn) Diagnostics() string { return "Fatal Python error: Segmentation fault" }

// crash severs the transport as if the process died.
func (c *fakeConn) crash() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.messages)
	close(c.done)
}

func (c *fakeConn) Close(_ time.Duration) error {
	c.crash()
	return nil
}

func echoScript(cmd Command) []Message {
	return []Message{
		{Type: MsgStream, ID: cmd.ID, Name: "stdout", Text: cmd.Code + "\n"},
		{Type: MsgStatus, ID: cmd.ID, State: "completed"},
	}
}
