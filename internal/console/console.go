// Package console renders the event stream on a terminal.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/parser"
)

type styles struct {
	stderr      lipgloss.Style
	result      lipgloss.Style
	traceback   lipgloss.Style
	hint        lipgloss.Style
	completed   lipgloss.Style
	interrupted lipgloss.Style
	errored     lipgloss.Style
	faulted     lipgloss.Style
	banner      lipgloss.Style
	notice      lipgloss.Style
	blocking    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		stderr:      r.NewStyle().Foreground(lipgloss.Color("203")).TabWidth(lipgloss.NoTabConversion),
		result:      r.NewStyle().Foreground(lipgloss.Color("81")).TabWidth(lipgloss.NoTabConversion),
		traceback:   r.NewStyle().Foreground(lipgloss.Color("196")).TabWidth(lipgloss.NoTabConversion),
		hint:        r.NewStyle().Foreground(lipgloss.Color("240")),
		completed:   r.NewStyle().Foreground(lipgloss.Color("42")),
		interrupted: r.NewStyle().Foreground(lipgloss.Color("220")),
		errored:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("208")),
		faulted:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("255")).Background(lipgloss.Color("160")),
		banner:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("160")),
		notice:      r.NewStyle().Italic(true).Foreground(lipgloss.Color("240")),
		blocking: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("160")).
			Padding(0, 1),
	}
}

// Console implements relay.Display on a terminal writer.
type Console struct {
	out      io.Writer
	color    bool
	filename string
	s        styles

	mu       sync.Mutex
	midLine  bool
	lastExit event.Status
	sawError bool
}

type Option func(*consoleOptions)

type consoleOptions struct {
	noColor  bool
	filename string
}

// WithoutColor disables ANSI styling and strips it from program output.
func WithoutColor() Option {
	return func(o *consoleOptions) { o.noColor = true }
}

// WithFilename names the file whose traceback lines are pointed out.
func WithFilename(name string) Option {
	return func(o *consoleOptions) { o.filename = name }
}

// New creates a Console writing to out. Color follows the terminal unless
// disabled.
func New(out io.Writer, opts ...Option) *Console {
	var o consoleOptions
	for _, opt := range opts {
		opt(&o)
	}
	r := lipgloss.NewRenderer(out)
	if o.noColor {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Console{
		out:      out,
		color:    !o.noColor && r.ColorProfile() != termenv.Ascii,
		filename: o.filename,
		s:        newStyles(r),
	}
}

// Failed reports whether any request raised or ended other than completed.
func (c *Console) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sawError || (c.lastExit != "" && c.lastExit != event.StatusCompleted)
}

// LastStatus returns the terminal status of the most recent request.
func (c *Console) LastStatus() event.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExit
}

func (c *Console) Append(_ context.Context, ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case event.KindStdout:
		return c.stream(c.text(ev.Payload), nil)
	case event.KindStderr:
		return c.stream(c.text(ev.Payload), &c.s.stderr)
	case event.KindResult:
		return c.line(styleLines(c.s.result, c.text(ev.Payload)))
	case event.KindError:
		c.sawError = true
		return c.traceback(ev.Payload)
	case event.KindStatus:
		c.lastExit = ev.Status
		return c.status(ev)
	case event.KindNotice:
		return c.notice(ev)
	}
	return nil
}

// Reset clears the screen, or prints a marker when styling is off.
func (c *Console) Reset(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.midLine = false
	if c.color {
		_, err := io.WriteString(c.out, "\x1b[H\x1b[2J")
		return err
	}
	_, err := io.WriteString(c.out, "--- console cleared ---\n")
	return err
}

func (c *Console) text(s string) string {
	if c.color {
		return s
	}
	return parser.StripANSI(s)
}

func (c *Console) stream(text string, style *lipgloss.Style) error {
	if text == "" {
		return nil
	}
	out := text
	if style != nil {
		out = styleLines(*style, text)
	}
	c.midLine = !strings.HasSuffix(text, "\n")
	_, err := io.WriteString(c.out, out)
	return err
}

// styleLines renders each line on its own so newlines stay outside the
// escape codes and lines are not padded to a common width.
func styleLines(style lipgloss.Style, text string) string {
	parts := strings.SplitAfter(text, "\n")
	for i, p := range parts {
		body := strings.TrimSuffix(p, "\n")
		if body != "" {
			parts[i] = style.Render(body) + p[len(body):]
		}
	}
	return strings.Join(parts, "")
}

func (c *Console) line(s string) error {
	prefix := ""
	if c.midLine {
		prefix = "\n"
	}
	c.midLine = false
	_, err := fmt.Fprintf(c.out, "%s%s\n", prefix, s)
	return err
}

func (c *Console) traceback(payload string) error {
	text := strings.TrimRight(c.text(payload), "\n")
	if err := c.line(styleLines(c.s.traceback, text)); err != nil {
		return err
	}
	tb, ok := parser.ParseTraceback(payload)
	if !ok || c.filename == "" {
		return nil
	}
	if n, ok := tb.LineIn(c.filename); ok {
		return c.line(c.s.hint.Render(fmt.Sprintf("  -> %s line %d", c.filename, n)))
	}
	return nil
}

func (c *Console) status(ev event.Event) error {
	switch ev.Status {
	case event.StatusCompleted:
		if ev.Payload == "" {
			return nil
		}
		return c.line(c.s.completed.Render(ev.Payload))
	case event.StatusInterrupted:
		return c.line(c.s.interrupted.Render("[interrupted]"))
	case event.StatusErrored:
		return c.line(c.s.errored.Render("[not executed] " + ev.Payload))
	case event.StatusFaulted:
		msg := "session crashed"
		if ev.Payload != "" {
			msg += ": " + ev.Payload
		}
		return c.line(c.s.faulted.Render(msg))
	}
	return nil
}

func (c *Console) notice(ev event.Event) error {
	switch {
	case ev.Notice == event.NoticeSessionReady:
		return c.line(styleLines(c.s.banner, ev.Payload))
	case ev.Notice.Blocking():
		return c.line(c.s.blocking.Render(ev.Payload))
	default:
		return c.line(styleLines(c.s.notice, ev.Payload))
	}
}
