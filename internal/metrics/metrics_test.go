package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
)

func TestRunsAndStates(t *testing.T) {
	m := New()
	req := kernel.NewRequest("1/0", "<editor>")

	m.StateChanged("", event.StateIdle)
	m.StateChanged(event.StateIdle, event.StateBusy)
	m.RunStarted(req)
	m.RunFinished(req, event.StatusCompleted, 3, 20*time.Millisecond)
	m.RunFinished(req, event.StatusInterrupted, 1, time.Second)
	m.StateChanged(event.StateBusy, event.StateIdle)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("interrupted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("busy")))
}

func TestSessionsAndDrops(t *testing.T) {
	m := New()
	m.SessionStarted(kernel.Session{Backend: "process"})
	m.SessionStarted(kernel.Session{Backend: "process"})
	m.SessionEnded(kernel.Session{}, "restart")
	m.Dropped(1)
	m.Dropped(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionStarts.WithLabelValues("process")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionEnds.WithLabelValues("restart")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped))
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New()
	m.Dropped(4)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "minipy_relay_dropped_events_total 4")
	assert.Contains(t, string(body), `minipy_state{state="starting"} 0`)
}
