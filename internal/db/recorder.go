package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
	"github.com/user/minipy/internal/parser"
)

const recorderQueueSize = 1024

// Recorder writes session and run history. It observes the execution
// controller and, as a display, picks up error tracebacks. Writes happen in
// order on the Run goroutine so callbacks never wait on SQLite.
type Recorder struct {
	sessions *SessionRepo
	runs     *RunRepo
	logger   *slog.Logger
	ops      chan func(context.Context)

	mu        sync.Mutex
	sessionID string
}

// NewRecorder creates a Recorder writing to d.
func NewRecorder(d *DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sessions: d.Sessions(),
		runs:     d.Runs(),
		logger:   logger.With("component", "history"),
		ops:      make(chan func(context.Context), recorderQueueSize),
	}
}

// Run applies queued writes until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case op := <-r.ops:
			op(ctx)
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case op := <-r.ops:
			op(ctx)
		default:
			return
		}
	}
}

// Flush waits until every write queued so far has been applied.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.ops <- func(context.Context) { close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) enqueue(what string, op func(context.Context) error) {
	wrapped := func(ctx context.Context) {
		if err := op(ctx); err != nil {
			r.logger.Error("history write failed", "op", what, "error", err)
		}
	}
	select {
	case r.ops <- wrapped:
	default:
		r.logger.Warn("history queue full, dropping write", "op", what)
	}
}

func (r *Recorder) StateChanged(_, _ event.State) {}

func (r *Recorder) SessionStarted(sess kernel.Session) {
	r.mu.Lock()
	r.sessionID = sess.ID
	r.mu.Unlock()

	rec := &SessionRecord{
		ID:           sess.ID,
		Backend:      sess.Backend,
		Language:     sess.Language,
		Version:      sess.Version,
		PID:          sess.PID,
		RestartCount: sess.RestartCount,
		StartedAt:    sess.StartedAt,
	}
	r.enqueue("session start", func(ctx context.Context) error {
		return r.sessions.Create(ctx, rec)
	})
}

func (r *Recorder) SessionEnded(sess kernel.Session, reason string) {
	r.enqueue("session end", func(ctx context.Context) error {
		return r.sessions.End(ctx, sess.ID, reason)
	})
}

func (r *Recorder) RunStarted(req kernel.Request) {
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()

	rec := &RunRecord{
		ID:          req.ID,
		SessionID:   sessionID,
		Source:      req.Code,
		Filename:    req.Filename,
		SubmittedAt: req.SubmittedAt,
	}
	r.enqueue("run start", func(ctx context.Context) error {
		return r.runs.Create(ctx, rec)
	})
}

func (r *Recorder) RunFinished(req kernel.Request, status event.Status, events int, elapsed time.Duration) {
	r.enqueue("run finish", func(ctx context.Context) error {
		return r.runs.Finish(ctx, req.ID, string(status), events, elapsed)
	})
}

// Append implements relay.Display. Only error tracebacks are recorded.
func (r *Recorder) Append(_ context.Context, ev event.Event) error {
	if ev.Kind != event.KindError || ev.RequestID == "" {
		return nil
	}
	tb, ok := parser.ParseTraceback(ev.Payload)
	if !ok {
		return nil
	}
	id := ev.RequestID
	r.enqueue("run error", func(ctx context.Context) error {
		line := 0
		if run, err := r.runs.Get(ctx, id); err == nil && run != nil {
			line, _ = tb.LineIn(run.Filename)
		}
		if line == 0 {
			if f, ok := tb.Innermost(); ok {
				line = f.Line
			}
		}
		return r.runs.SetError(ctx, id, tb.Name, tb.Message, line)
	})
	return nil
}

// Reset implements relay.Display. Clearing the console keeps history.
func (r *Recorder) Reset(_ context.Context) error { return nil }
