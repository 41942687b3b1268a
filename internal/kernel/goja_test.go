package kernel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/minipy/internal/event"
)

func startGoja(t *testing.T) (*Manager, *Channel) {
	t.Helper()
	m := NewManager(NewGojaBackend(nil))
	sess, err := m.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "javascript", sess.Language)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, NewChannel(m)
}

func run(t *testing.T, ch *Channel, code string) []event.Event {
	t.Helper()
	s, err := ch.Submit(context.Background(), NewRequest(code, ""))
	require.NoError(t, err)
	return collect(t, s)
}

// TestGojaPrintAndResult streams print output and echoes the last value.
func TestGojaPrintAndResult(t *testing.T) {
	_, ch := startGoja(t)

	evs := run(t, ch, `print("hello", 1); console.error("oops"); 1 + 2`)
	require.Len(t, evs, 4)
	assert.Equal(t, event.KindStdout, evs[0].Kind)
	assert.Equal(t, "hello 1\n", evs[0].Payload)
	assert.Equal(t, event.KindStderr, evs[1].Kind)
	assert.Equal(t, event.KindResult, evs[2].Kind)
	assert.Equal(t, "3", evs[2].Payload)
	assert.Equal(t, event.StatusCompleted, evs[3].Status)
}

// TestGojaStatePersists keeps globals across requests until restart.
func TestGojaStatePersists(t *testing.T) {
	m, ch := startGoja(t)

	run(t, ch, `var x = 41`)
	evs := run(t, ch, `x + 1`)
	require.Len(t, evs, 2)
	assert.Equal(t, "42", evs[0].Payload)

	_, err := m.Restart(context.Background())
	require.NoError(t, err)
	evs = run(t, ch, `typeof x`)
	require.Len(t, evs, 2)
	assert.Equal(t, `"undefined"`, evs[0].Payload)
}

// TestGojaError reports an exception and still completes the request.
func TestGojaError(t *testing.T) {
	_, ch := startGoja(t)

	evs := run(t, ch, `undefinedThing()`)
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindError, evs[0].Kind)
	assert.Contains(t, evs[0].Payload, "ReferenceError")
	assert.Equal(t, event.StatusCompleted, evs[1].Status)
}

// TestGojaInterrupt stops an infinite loop and keeps the session usable.
func TestGojaInterrupt(t *testing.T) {
	_, ch := startGoja(t)

	s, err := ch.Submit(context.Background(), NewRequest(`print("start"); while (true) {}`, ""))
	require.NoError(t, err)

	first := <-s.Events()
	require.Equal(t, "start\n", first.Payload)
	require.NoError(t, ch.Interrupt(s.Request().ID))

	evs := collect(t, s)
	require.NotEmpty(t, evs)
	assert.Equal(t, event.StatusInterrupted, evs[len(evs)-1].Status)

	evs = run(t, ch, `"still " + "alive"`)
	require.Len(t, evs, 2)
	assert.True(t, strings.Contains(evs[0].Payload, "still alive"))
}

// TestGojaCloseStopsRunningScript shuts down while code is looping.
func TestGojaCloseStopsRunningScript(t *testing.T) {
	conn, err := NewGojaBackend(nil).Launch(context.Background())
	require.NoError(t, err)
	<-conn.Messages()

	require.NoError(t, conn.Send(Command{Op: OpExecute, ID: "r1", Code: "while (true) {}"}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close(2*time.Second))

	select {
	case <-conn.Done():
	default:
		t.Fatal("session still running after Close")
	}
}
