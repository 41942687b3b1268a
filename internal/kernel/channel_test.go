package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/minipy/internal/event"
)

func startChannel(t *testing.T, b *fakeBackend) (*Manager, *Channel) {
	t.Helper()
	m := NewManager(b)
	_, err := m.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, NewChannel(m)
}

func collect(t *testing.T, s *Stream) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evs, err := s.Collect(ctx)
	require.NoError(t, err)
	return evs
}

// TestChannelSubmitOrdersEvents checks sequence numbers, request IDs and the
// terminal event.
func TestChannelSubmitOrdersEvents(t *testing.T) {
	b := &fakeBackend{script: func(cmd Command) []Message {
		return []Message{
			{Type: MsgStream, ID: cmd.ID, Name: "stdout", Text: "a\n"},
			{Type: MsgStream, ID: cmd.ID, Name: "stderr", Text: "b\n"},
			{Type: MsgResult, ID: cmd.ID, Text: "3"},
			{Type: MsgStatus, ID: cmd.ID, State: "completed"},
		}
	}}
	_, ch := startChannel(t, b)

	req := NewRequest("print('a')", "<editor>")
	s, err := ch.Submit(context.Background(), req)
	require.NoError(t, err)

	evs := collect(t, s)
	require.Len(t, evs, 4)
	kinds := []event.Kind{event.KindStdout, event.KindStderr, event.KindResult, event.KindStatus}
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, req.ID, ev.RequestID)
		assert.Equal(t, kinds[i], ev.Kind)
	}
	assert.Equal(t, event.StatusCompleted, evs[3].Status)
	assert.True(t, s.Finished())

	sent := b.last().sent
	require.Len(t, sent, 1)
	assert.Equal(t, OpExecute, sent[0].Op)
	assert.Equal(t, req.Code, sent[0].Code)
}

// TestChannelRejectsSecondRequest allows one request in flight.
func TestChannelRejectsSecondRequest(t *testing.T) {
	b := &fakeBackend{}
	_, ch := startChannel(t, b)

	first, err := ch.Submit(context.Background(), NewRequest("while True: pass", ""))
	require.NoError(t, err)

	_, err = ch.Submit(context.Background(), NewRequest("1", ""))
	assert.ErrorIs(t, err, ErrRequestInFlight)

	b.last().push(Message{Type: MsgStatus, ID: first.Request().ID, State: "interrupted"})
	evs := collect(t, first)
	require.Len(t, evs, 1)
	assert.Equal(t, event.StatusInterrupted, evs[0].Status)

	_, err = ch.Submit(context.Background(), NewRequest("1", ""))
	assert.NoError(t, err)
}

// TestChannelInterrupt forwards to the session only for the in-flight ID.
func TestChannelInterrupt(t *testing.T) {
	b := &fakeBackend{}
	_, ch := startChannel(t, b)

	assert.ErrorIs(t, ch.Interrupt("nope"), ErrUnknownRequest)

	s, err := ch.Submit(context.Background(), NewRequest("loop()", ""))
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Interrupt("other"), ErrUnknownRequest)
	require.NoError(t, ch.Interrupt(s.Request().ID))
	assert.Equal(t, 1, b.last().interrupts)
}

// TestChannelFaultsOnCrash synthesizes a faulted terminal event carrying the
// diagnostics when the session dies mid-request.
func TestChannelFaultsOnCrash(t *testing.T) {
	b := &fakeBackend{}
	_, ch := startChannel(t, b)

	s, err := ch.Submit(context.Background(), NewRequest("import ctypes", ""))
	require.NoError(t, err)
	conn := b.last()
	conn.push(Message{Type: MsgStream, ID: s.Request().ID, Name: "stdout", Text: "before\n"})
	conn.crash()

	evs := collect(t, s)
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindStdout, evs[0].Kind)
	last := evs[1]
	assert.True(t, last.Terminal())
	assert.Equal(t, event.StatusFaulted, last.Status)
	assert.Contains(t, last.Payload, "signal: killed")
	assert.Contains(t, last.Payload, "Segmentation fault")

	_, err = ch.Submit(context.Background(), NewRequest("1", ""))
	assert.ErrorIs(t, err, ErrSessionUnavailable)
}

// TestChannelDropsStaleMessages ignores messages addressed to other requests.
func TestChannelDropsStaleMessages(t *testing.T) {
	b := &fakeBackend{}
	_, ch := startChannel(t, b)

	s, err := ch.Submit(context.Background(), NewRequest("x", ""))
	require.NoError(t, err)
	conn := b.last()
	conn.push(Message{Type: MsgStream, ID: "old-request", Name: "stdout", Text: "stale\n"})
	conn.push(Message{Type: MsgStatus, ID: s.Request().ID, State: "completed"})

	evs := collect(t, s)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].Seq)
}

// TestChannelAfterRestart faults the request of the replaced session and
// accepts new work on the new one.
func TestChannelAfterRestart(t *testing.T) {
	b := &fakeBackend{}
	m, ch := startChannel(t, b)

	old, err := ch.Submit(context.Background(), NewRequest("sleep()", ""))
	require.NoError(t, err)

	_, err = m.Restart(context.Background())
	require.NoError(t, err)

	evs := collect(t, old)
	require.NotEmpty(t, evs)
	assert.Equal(t, event.StatusFaulted, evs[len(evs)-1].Status)

	b.mu.Lock()
	b.script = echoScript
	b.mu.Unlock()
	b.last().script = echoScript

	s, err := ch.Submit(context.Background(), NewRequest("hi", ""))
	require.NoError(t, err)
	evs = collect(t, s)
	require.Len(t, evs, 2)
	assert.Equal(t, "hi\n", evs[0].Payload)
}

// TestChannelSubmitCancelledContext refuses to submit with a done context.
func TestChannelSubmitCancelledContext(t *testing.T) {
	_, ch := startChannel(t, &fakeBackend{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.Submit(ctx, NewRequest("1", ""))
	assert.ErrorIs(t, err, context.Canceled)
}
