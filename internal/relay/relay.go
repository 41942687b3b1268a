// Package relay moves events from the execution controller to a display
// without ever blocking the producer.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/minipy/internal/event"
)

// DefaultCapacity is the number of queued events kept when the display
// falls behind.
const DefaultCapacity = 4096

// Display is the surface the relay renders into.
type Display interface {
	Append(ctx context.Context, ev event.Event) error
	Reset(ctx context.Context) error
}

// Relay is a bounded drop-oldest queue in front of a Display. Publish and
// Reset never block; Run delivers on its own goroutine.
type Relay struct {
	display    Display
	capacity   int
	logger     *slog.Logger
	onOverflow func(dropped int)

	mu           sync.Mutex
	ring         []event.Event
	head         int
	size         int
	// An overflow episode lasts from the first drop until the ring drains.
	// It gets one warning and one notice; drops after the notice went out
	// are only counted in episodeDropped.
	dropped        int
	episode        bool
	noticed        bool
	episodeDropped int
	pendingReset bool
	delivering   bool
	notify       chan struct{}
}

// Option configures a Relay.
type Option func(*Relay)

// WithCapacity sets the queue capacity.
func WithCapacity(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithLogger sets the relay's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOverflowHook registers fn to be called for every dropped event.
func WithOverflowHook(fn func(dropped int)) Option {
	return func(r *Relay) { r.onOverflow = fn }
}

// New creates a Relay in front of display.
func New(display Display, opts ...Option) *Relay {
	r := &Relay{
		display:  display,
		capacity: DefaultCapacity,
		logger:   slog.Default(),
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ring = make([]event.Event, r.capacity)
	return r
}

// Publish queues ev for delivery. When the queue is full the oldest entry is
// dropped and counted.
func (r *Relay) Publish(ev event.Event) {
	r.mu.Lock()
	overflowed := false
	if r.size == r.capacity {
		r.ring[r.head] = event.Event{}
		r.head = (r.head + 1) % r.capacity
		r.size--
		r.episodeDropped++
		if !r.noticed {
			r.dropped++
		}
		overflowed = true
		if !r.episode {
			r.episode = true
			r.logger.Warn("display is falling behind, dropping oldest output", "capacity", r.capacity)
		}
	}
	r.ring[(r.head+r.size)%r.capacity] = ev
	r.size++
	hook := r.onOverflow
	r.mu.Unlock()

	if overflowed && hook != nil {
		hook(1)
	}
	r.wake()
}

// Reset discards everything queued and schedules a display reset.
func (r *Relay) Reset() {
	r.mu.Lock()
	for i := range r.ring {
		r.ring[i] = event.Event{}
	}
	r.head, r.size = 0, 0
	r.endEpisodeLocked()
	r.pendingReset = true
	r.mu.Unlock()
	r.wake()
}

// Pending returns the number of queued events.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Relay) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

type delivery struct {
	reset bool
	ev    event.Event
}

func (r *Relay) endEpisodeLocked() {
	if r.episode {
		r.logger.Info("display caught up", "dropped", r.episodeDropped)
	}
	r.dropped = 0
	r.episode = false
	r.noticed = false
	r.episodeDropped = 0
}

// next pops the next delivery: a pending reset first, then the episode's
// single overflow notice, then queued events.
func (r *Relay) next() (delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.pendingReset:
		r.pendingReset = false
	case r.dropped > 0 && !r.noticed:
		n := r.dropped
		r.dropped = 0
		r.noticed = true
		r.delivering = true
		return delivery{ev: event.NewNotice(event.NoticeRelayOverflow, fmt.Sprintf("%d events dropped", n))}, true
	case r.size > 0:
		ev := r.ring[r.head]
		r.ring[r.head] = event.Event{}
		r.head = (r.head + 1) % r.capacity
		r.size--
		if r.size == 0 && r.episode {
			r.endEpisodeLocked()
		}
		r.delivering = true
		return delivery{ev: ev}, true
	default:
		if r.episode && r.noticed {
			r.endEpisodeLocked()
		}
		return delivery{}, false
	}
	r.delivering = true
	return delivery{reset: true}, true
}

// Run delivers queued events to the display until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	for {
		d, ok := r.next()
		if !ok {
			select {
			case <-r.notify:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var err error
		if d.reset {
			err = r.display.Reset(ctx)
		} else {
			err = r.display.Append(ctx, d.ev)
		}
		if err != nil {
			r.logger.Error("display delivery failed", "reset", d.reset, "kind", d.ev.Kind, "error", err)
		}

		r.mu.Lock()
		r.delivering = false
		r.mu.Unlock()
	}
}

// Flush waits until everything queued has been delivered.
func (r *Relay) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		idle := r.size == 0 && r.dropped == 0 && !r.pendingReset && !r.delivering
		r.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
