package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
)

// TestControllerStartShowsBanner moves to Idle and greets the user.
func TestControllerStartShowsBanner(t *testing.T) {
	f := newFixture(t, kernel.NewGojaBackend(nil))
	assert.Equal(t, event.StateStarting, f.ctrl.State())
	f.start(t)

	evs := f.relay.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, event.NoticeSessionReady, evs[0].Notice)
	assert.Contains(t, evs[0].Payload, "MiniPy — Javascript")
	assert.Contains(t, evs[0].Payload, "Type ? for help")
}

// TestControllerStartFailure faults with a blocking notice.
func TestControllerStartFailure(t *testing.T) {
	f := newFixture(t, &stubBackend{fail: errors.New("python3 not found")})

	err := f.ctrl.Start(context.Background())
	var se *kernel.SessionStartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, event.StateFaulted, f.ctrl.State())
	assert.Equal(t, 1, f.relay.notices(event.NoticeSessionStartError))
	assert.True(t, event.NoticeSessionStartError.Blocking())

	_, err = f.ctrl.Run(context.Background(), Source{Text: "1"})
	assert.ErrorIs(t, err, ErrFaulted)
}

// TestControllerRunPrint streams one stdout event then completes.
func TestControllerRunPrint(t *testing.T) {
	f := newFixture(t, kernel.NewGojaBackend(nil))
	f.start(t)

	req, err := f.ctrl.Run(context.Background(), Source{Text: `print("hi")`})
	require.NoError(t, err)
	assert.Equal(t, DefaultFilename, req.Filename)
	waitState(t, f.ctrl, event.StateIdle)

	var got []event.Event
	for _, ev := range f.relay.snapshot() {
		if ev.RequestID == req.ID {
			got = append(got, ev)
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, event.KindStdout, got[0].Kind)
	assert.Equal(t, "hi\n", got[0].Payload)
	assert.Equal(t, event.StatusCompleted, got[1].Status)

	states, finished := f.log.snapshot()
	assert.Equal(t, []event.State{event.StateIdle, event.StateBusy, event.StateIdle}, states)
	assert.Equal(t, []event.Status{event.StatusCompleted}, finished)
}

// TestControllerRunError keeps the session and returns to Idle.
func TestControllerRunError(t *testing.T) {
	f := newFixture(t, kernel.NewGojaBackend(nil))
	f.start(t)

	_, err := f.ctrl.Run(context.Background(), Source{Text: `null.field`})
	require.NoError(t, err)
	waitState(t, f.ctrl, event.StateIdle)

	kinds := map[event.Kind]int{}
	for _, ev := range f.relay.snapshot() {
		kinds[ev.Kind]++
	}
	assert.Equal(t, 1, kinds[event.KindError])
	assert.Equal(t, event.StatusCompleted, f.relay.lastStatus())
	assert.Equal(t, 0, f.ctrl.Status().Session.RestartCount)
}

// TestControllerRejectsWhileBusy enforces one request in flight.
func TestControllerRejectsWhileBusy(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	f.start(t)

	_, err := f.ctrl.Run(context.Background(), Source{Text: "loop"})
	require.NoError(t, err)
	assert.Equal(t, event.StateBusy, f.ctrl.State())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctrl.Run(context.Background(), Source{Text: "again"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrBusy)
	}
	assert.Equal(t, 10, f.relay.notices(event.NoticeExecutionInProgress))

	require.NoError(t, f.ctrl.Interrupt(context.Background()))
	waitState(t, f.ctrl, event.StateIdle)
}

// TestControllerRunValidation rejects blank code and runs outside Idle.
func TestControllerRunValidation(t *testing.T) {
	f := newFixture(t, &stubBackend{})

	_, err := f.ctrl.Run(context.Background(), Source{Text: "  \n\t"})
	assert.ErrorIs(t, err, ErrEmptySource)
	_, err = f.ctrl.Run(context.Background(), Source{Text: "x"})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, f.ctrl.Interrupt(context.Background()), ErrNotBusy)
}

// TestControllerInterrupt stops a loop without restarting the session.
func TestControllerInterrupt(t *testing.T) {
	f := newFixture(t, kernel.NewGojaBackend(nil))
	f.start(t)
	before := f.ctrl.Status().Session.ID

	_, err := f.ctrl.Run(context.Background(), Source{Text: `while (true) {}`})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.ctrl.Interrupt(context.Background()))
	assert.Equal(t, event.StateInterrupting, f.ctrl.State())

	waitState(t, f.ctrl, event.StateIdle)
	assert.Equal(t, event.StatusInterrupted, f.relay.lastStatus())
	assert.Equal(t, before, f.ctrl.Status().Session.ID)
	assert.Equal(t, 0, f.relay.notices(event.NoticeInterruptTimeout))
}

// TestControllerInterruptTimeout restarts a session that ignores interrupts.
func TestControllerInterruptTimeout(t *testing.T) {
	b := &stubBackend{}
	f := newFixture(t, b)
	f.start(t)

	_, err := f.ctrl.Run(context.Background(), Source{Text: "hang"})
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Interrupt(context.Background()))

	require.Eventually(t, func() bool {
		return f.relay.notices(event.NoticeInterruptTimeout) == 1
	}, 5*time.Second, 5*time.Millisecond)
	waitState(t, f.ctrl, event.StateIdle)
	assert.Equal(t, 1, f.ctrl.Status().Session.RestartCount)
	assert.Equal(t, 2, b.launches)

	_, finished := f.log.snapshot()
	assert.Equal(t, []event.Status{event.StatusFaulted}, finished)

	_, err = f.ctrl.Run(context.Background(), Source{Text: "after"})
	require.NoError(t, err)
	waitState(t, f.ctrl, event.StateIdle)
	assert.Contains(t, f.relay.stdout(), "after\n")
}

// TestControllerCrashWhileBusy faults without hanging.
func TestControllerCrashWhileBusy(t *testing.T) {
	b := &stubBackend{}
	f := newFixture(t, b)
	f.start(t)

	_, err := f.ctrl.Run(context.Background(), Source{Text: "loop"})
	require.NoError(t, err)
	b.last().crash()

	waitState(t, f.ctrl, event.StateFaulted)
	assert.Equal(t, event.StatusFaulted, f.relay.lastStatus())
	assert.Equal(t, 1, f.relay.notices(event.NoticeSessionCrashed))
	assert.False(t, event.NoticeSessionCrashed.Blocking())

	_, err = f.ctrl.Run(context.Background(), Source{Text: "x"})
	assert.ErrorIs(t, err, ErrFaulted)

	require.NoError(t, f.ctrl.Restart(context.Background()))
	assert.Equal(t, event.StateIdle, f.ctrl.State())
}

// TestControllerCrashWhileIdle is caught by the health check before submit.
func TestControllerCrashWhileIdle(t *testing.T) {
	b := &stubBackend{}
	f := newFixture(t, b)
	f.start(t)

	b.last().crash()
	_, err := f.ctrl.Run(context.Background(), Source{Text: "x"})
	assert.ErrorIs(t, err, ErrSessionCrashed)
	assert.Equal(t, event.StateFaulted, f.ctrl.State())
}

// TestControllerAutoRestart recovers from a crash by itself.
func TestControllerAutoRestart(t *testing.T) {
	b := &stubBackend{}
	f := newFixture(t, b, WithAutoRestart(true))
	f.start(t)

	_, err := f.ctrl.Run(context.Background(), Source{Text: "crash"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.launches == 2
	}, 5*time.Second, 5*time.Millisecond)
	waitState(t, f.ctrl, event.StateIdle)
	assert.Equal(t, 2, f.relay.notices(event.NoticeSessionReady))
}

// TestControllerClearWhileBusy interrupts, waits and resets the display.
func TestControllerClearWhileBusy(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	f.start(t)

	_, err := f.ctrl.Run(context.Background(), Source{Text: "loop"})
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Clear(context.Background()))
	assert.Equal(t, event.StateIdle, f.ctrl.State())
	assert.Equal(t, 1, f.relay.resets)
	assert.Empty(t, f.relay.snapshot())
}

// TestControllerClearIdle only resets the display.
func TestControllerClearIdle(t *testing.T) {
	f := newFixture(t, kernel.NewGojaBackend(nil))
	f.start(t)

	_, err := f.ctrl.Run(context.Background(), Source{Text: `var kept = 1`})
	require.NoError(t, err)
	waitState(t, f.ctrl, event.StateIdle)

	require.NoError(t, f.ctrl.Clear(context.Background()))
	assert.Empty(t, f.relay.snapshot())

	_, err = f.ctrl.Run(context.Background(), Source{Text: `kept`})
	require.NoError(t, err)
	waitState(t, f.ctrl, event.StateIdle)
	assert.Equal(t, event.StatusCompleted, f.relay.lastStatus())
	evs := f.relay.snapshot()
	assert.Equal(t, "1", evs[0].Payload)
}

// TestControllerRestartDropsAbandonedEvents never shows output of the
// request that was running when the session was restarted.
func TestControllerRestartDropsAbandonedEvents(t *testing.T) {
	b := &stubBackend{}
	f := newFixture(t, b)
	f.start(t)

	req, err := f.ctrl.Run(context.Background(), Source{Text: "loop"})
	require.NoError(t, err)
	old := b.last()

	require.NoError(t, f.ctrl.Restart(context.Background()))
	assert.Equal(t, event.StateIdle, f.ctrl.State())

	for _, ev := range f.relay.snapshot() {
		assert.NotEqual(t, req.ID, ev.RequestID)
	}
	select {
	case <-old.Done():
	default:
		t.Fatal("old session still alive")
	}
}

// TestControllerShutdownIdempotent terminates once.
func TestControllerShutdownIdempotent(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	f.start(t)

	require.NoError(t, f.ctrl.Shutdown(context.Background()))
	require.NoError(t, f.ctrl.Shutdown(context.Background()))
	assert.Equal(t, event.StateTerminated, f.ctrl.State())
	assert.False(t, f.mgr.HealthCheck(context.Background()))

	_, err := f.ctrl.Run(context.Background(), Source{Text: "x"})
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, f.ctrl.Restart(context.Background()), ErrTerminated)
}

// TestControllerRunSelection falls back to the buffer without a selection.
func TestControllerRunSelection(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	f.start(t)

	_, err := f.ctrl.RunSelection(context.Background(), Buffer{Text: "whole", Selection: "part", Path: "demo.py"})
	require.NoError(t, err)
	waitState(t, f.ctrl, event.StateIdle)
	assert.Equal(t, "part\n", f.relay.stdout())

	_, err = f.ctrl.RunSelection(context.Background(), Buffer{Text: "whole"})
	require.NoError(t, err)
	waitState(t, f.ctrl, event.StateIdle)
	assert.Equal(t, "part\nwhole\n", f.relay.stdout())
}

func TestBufferSelectLines(t *testing.T) {
	b := Buffer{Text: "a = 1\nb = 2\nc = 3\n"}
	require.NoError(t, b.SelectLines(2, 3))
	assert.Equal(t, "b = 2\nc = 3\n", b.Selection)
	assert.Error(t, b.SelectLines(0, 1))
	assert.Error(t, b.SelectLines(3, 2))
}
