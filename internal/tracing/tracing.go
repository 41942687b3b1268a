// Package tracing records interpreter sessions and execution requests as
// OpenTelemetry spans.
package tracing

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
)

const instrumentation = "github.com/user/minipy/internal/tracing"

// Tracer implements execution.Observer. Each session is a span and every
// request run in it is a child span.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	closer   io.Closer

	mu      sync.Mutex
	session trace.Span
	sessCtx context.Context
	runs    map[string]trace.Span
}

// Open writes spans as JSON to path, or to stdout when path is "-".
func Open(path, serviceVersion string) (*Tracer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer
	)
	if path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	t, err := NewWithExporter(exporter, serviceVersion)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	t.closer = closer
	return t, nil
}

// NewWithExporter creates a Tracer exporting synchronously through exporter.
func NewWithExporter(exporter sdktrace.SpanExporter, serviceVersion string) (*Tracer, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "minipy"),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer(instrumentation),
		sessCtx:  context.Background(),
		runs:     make(map[string]trace.Span),
	}, nil
}

// Shutdown ends open spans and flushes the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	for id, span := range t.runs {
		span.SetStatus(codes.Error, "shutdown")
		span.End()
		delete(t.runs, id)
	}
	if t.session != nil {
		t.session.End()
		t.session = nil
	}
	t.mu.Unlock()

	err := t.provider.Shutdown(ctx)
	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (t *Tracer) StateChanged(_, next event.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		t.session.AddEvent("state", trace.WithAttributes(attribute.String("state", string(next))))
	}
}

func (t *Tracer) SessionStarted(sess kernel.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		t.session.End()
	}
	ctx, span := t.tracer.Start(context.Background(), "session",
		trace.WithTimestamp(sess.StartedAt),
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("session.backend", sess.Backend),
			attribute.String("session.language", sess.Language),
			attribute.String("session.version", sess.Version),
			attribute.Int("session.pid", sess.PID),
			attribute.Int("session.restarts", sess.RestartCount),
		),
	)
	t.session, t.sessCtx = span, ctx
}

func (t *Tracer) SessionEnded(sess kernel.Session, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return
	}
	t.session.SetAttributes(attribute.String("session.end_reason", reason))
	if reason == "crashed" {
		t.session.SetStatus(codes.Error, reason)
	}
	t.session.End()
	t.session, t.sessCtx = nil, context.Background()
}

func (t *Tracer) RunStarted(req kernel.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, span := t.tracer.Start(t.sessCtx, "execute",
		trace.WithTimestamp(req.SubmittedAt),
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("request.filename", req.Filename),
			attribute.Int("request.source_bytes", len(req.Code)),
		),
	)
	t.runs[req.ID] = span
}

func (t *Tracer) RunFinished(req kernel.Request, status event.Status, events int, _ time.Duration) {
	t.mu.Lock()
	span, ok := t.runs[req.ID]
	delete(t.runs, req.ID)
	t.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("request.status", string(status)),
		attribute.Int("request.events", events),
	)
	switch status {
	case event.StatusCompleted, event.StatusInterrupted:
		span.SetStatus(codes.Ok, "")
	default:
		span.SetStatus(codes.Error, string(status))
	}
	span.End()
}
