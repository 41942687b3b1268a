// Package redis mirrors the console to Redis: every display message is
// published on a channel and kept in a capped scrollback list so late
// subscribers can catch up.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	backend "github.com/redis/go-redis/v9"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/execution"
)

// Message is the JSON published for each display update.
type Message struct {
	Type  string       `json:"type"`
	Event *event.Event `json:"event,omitempty"`
	State event.State  `json:"state,omitempty"`
}

// Mirror implements relay.Display and the state part of execution.Observer.
type Mirror struct {
	execution.NopObserver

	client     *backend.Client
	channel    string
	scrollback int
	logger     *slog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	kick      chan struct{}
	mu        sync.Mutex
	latest    event.State
}

type Option func(*Mirror)

// WithChannel sets the pub/sub channel. Keys share it as a prefix.
func WithChannel(channel string) Option {
	return func(m *Mirror) {
		if channel != "" {
			m.channel = channel
		}
	}
}

// WithLogger sets the logger used for failures of background state updates.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithScrollback caps the number of kept output messages.
func WithScrollback(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.scrollback = n
		}
	}
}

// New connects a Mirror to the Redis server at address.
func New(address string, opts ...Option) *Mirror {
	return NewFromClient(backend.NewClient(&backend.Options{Addr: address}), opts...)
}

// NewFromClient creates a Mirror from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Mirror {
	m := &Mirror{
		client:     client,
		channel:    "minipy:console",
		scrollback: 1000,
		logger:     slog.Default(),
		stop:       make(chan struct{}),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mirror) Channel() string       { return m.channel }
func (m *Mirror) scrollbackKey() string { return m.channel + ":scrollback" }
func (m *Mirror) stateKey() string      { return m.channel + ":state" }

// Ping checks the connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Append publishes ev and adds it to the scrollback.
func (m *Mirror) Append(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(Message{Type: "output", Event: &ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, m.scrollbackKey(), data)
	pipe.LTrim(ctx, m.scrollbackKey(), int64(-m.scrollback), -1)
	pipe.Publish(ctx, m.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror event to redis: %w", err)
	}
	return nil
}

// Reset drops the scrollback and tells subscribers to clear.
func (m *Mirror) Reset(ctx context.Context) error {
	data, err := json.Marshal(Message{Type: "clear"})
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.scrollbackKey())
	pipe.Publish(ctx, m.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear redis mirror: %w", err)
	}
	return nil
}

// StateChanged records the controller state and publishes it. Writes
// happen on a background goroutine; only the latest state is sent.
func (m *Mirror) StateChanged(_, next event.State) {
	m.startOnce.Do(func() { go m.publishStates() })
	m.mu.Lock()
	m.latest = next
	m.mu.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Mirror) publishStates() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.kick:
		}
		m.mu.Lock()
		state := m.latest
		m.mu.Unlock()

		data, err := json.Marshal(Message{Type: "state", State: state})
		if err != nil {
			continue
		}
		ctx := context.Background()
		pipe := m.client.Pipeline()
		pipe.Set(ctx, m.stateKey(), string(state), 0)
		pipe.Publish(ctx, m.channel, data)
		if _, err := pipe.Exec(ctx); err != nil {
			m.logger.Warn("failed to mirror state to redis", "channel", m.channel, "state", state, "error", err)
		}
	}
}

// Scrollback returns the kept output events, oldest first.
func (m *Mirror) Scrollback(ctx context.Context) ([]event.Event, error) {
	raw, err := m.client.LRange(ctx, m.scrollbackKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read scrollback: %w", err)
	}
	out := make([]event.Event, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil || msg.Event == nil {
			continue
		}
		out = append(out, *msg.Event)
	}
	return out, nil
}

// State returns the last mirrored controller state.
func (m *Mirror) State(ctx context.Context) (event.State, error) {
	v, err := m.client.Get(ctx, m.stateKey()).Result()
	if err == backend.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return event.State(v), nil
}

// Close closes the client.
func (m *Mirror) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return m.client.Close()
}
