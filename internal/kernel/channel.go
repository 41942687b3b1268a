package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/minipy/internal/event"
)

const defaultStreamBuffer = 256

// Channel submits requests to the Manager's live session and routes the
// session's messages back as per-request Streams. At most one request is in
// flight at a time.
type Channel struct {
	mgr        *Manager
	logger     *slog.Logger
	bufferSize int

	mu       sync.Mutex
	current  *Stream
	attached uint64
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithStreamBuffer sets the per-stream event buffer size.
func WithStreamBuffer(n int) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithChannelLogger sets the channel's logger.
func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChannel returns a Channel bound to mgr.
func NewChannel(mgr *Manager, opts ...ChannelOption) *Channel {
	c := &Channel{
		mgr:        mgr,
		logger:     slog.Default(),
		bufferSize: defaultStreamBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends req to the live session and returns its event stream.
func (c *Channel) Submit(ctx context.Context, req Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, gen, err := c.mgr.live()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.current; prev != nil && !prev.Finished() {
		if prev.gen == gen {
			return nil, ErrRequestInFlight
		}
		// The previous session is gone; its dispatcher may not have noticed yet.
		prev.emit(event.Event{Kind: event.KindStatus, Status: event.StatusFaulted, Payload: "session replaced"})
	}
	if c.attached != gen {
		c.attached = gen
		go c.dispatch(conn, gen)
	}

	s := newStream(req, gen, c.bufferSize)
	c.current = s
	if err := conn.Send(Command{Op: OpExecute, ID: req.ID, Code: req.Code, Filename: req.Filename}); err != nil {
		c.current = nil
		return nil, fmt.Errorf("kernel: submit %s: %w", req.ID, err)
	}
	c.logger.Debug("request submitted", "request_id", req.ID, "bytes", len(req.Code))
	return s, nil
}

// Interrupt asks the session to stop the in-flight request.
func (c *Channel) Interrupt(requestID string) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil || s.req.ID != requestID || s.Finished() {
		return ErrUnknownRequest
	}

	conn, gen, err := c.mgr.live()
	if err != nil {
		return err
	}
	if gen != s.gen {
		return ErrUnknownRequest
	}
	return conn.Interrupt()
}

// dispatch routes messages of one session generation until its transport is
// severed, then faults whatever request was still open on it.
func (c *Channel) dispatch(conn Conn, gen uint64) {
	for msg := range conn.Messages() {
		ev, ok := msg.event()
		if !ok {
			c.logger.Debug("ignoring session message", "type", msg.Type)
			continue
		}
		s := c.route(gen, msg.ID)
		if s == nil {
			c.logger.Debug("dropping message for unknown request", "request_id", msg.ID, "kind", ev.Kind)
			continue
		}
		s.emit(ev)
		if ev.Terminal() {
			c.release(s)
		}
	}

	c.mu.Lock()
	s := c.current
	if s != nil && s.gen == gen {
		c.current = nil
	} else {
		s = nil
	}
	c.mu.Unlock()

	if s != nil {
		c.logger.Warn("session connection lost mid-request", "request_id", s.req.ID)
		s.emit(event.Event{Kind: event.KindStatus, Status: event.StatusFaulted, Payload: faultReason(conn)})
	}
}

func (c *Channel) route(gen uint64, id string) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil || s.gen != gen {
		return nil
	}
	if id != "" && id != s.req.ID {
		return nil
	}
	return s
}

func (c *Channel) release(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
}

func faultReason(conn Conn) string {
	var b strings.Builder
	b.WriteString("session connection lost")
	select {
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			fmt.Fprintf(&b, ": %v", err)
		} else {
			b.WriteString(": interpreter exited")
		}
	case <-time.After(time.Second):
	}
	if d := conn.Diagnostics(); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	return b.String()
}
