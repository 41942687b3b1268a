package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/user/minipy/internal/event"
)

// Stream is the ordered event sequence of one request. Events is closed
// right after the terminal status-change event.
type Stream struct {
	req    Request
	gen    uint64
	events chan event.Event

	mu       sync.Mutex
	seq      uint64
	finished bool
}

func newStream(req Request, gen uint64, size int) *Stream {
	return &Stream{req: req, gen: gen, events: make(chan event.Event, size)}
}

// Request returns the request this stream belongs to.
func (s *Stream) Request() Request { return s.req }

// Events returns the event channel.
func (s *Stream) Events() <-chan event.Event { return s.events }

// Finished reports whether the terminal event has been emitted.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// emit stamps ev with the request ID and the next sequence number. Events
// after the terminal one are dropped.
func (s *Stream) emit(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.seq++
	ev.Seq = s.seq
	ev.RequestID = s.req.ID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Terminal() {
		s.finished = true
		s.events <- ev
		close(s.events)
		return true
	}
	s.events <- ev
	return true
}

// Collect drains the stream until its terminal event or ctx is done.
func (s *Stream) Collect(ctx context.Context) ([]event.Event, error) {
	var out []event.Event
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
