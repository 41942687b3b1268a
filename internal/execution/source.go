package execution

import (
	"fmt"
	"strings"
)

// DefaultFilename labels code that does not come from a file.
const DefaultFilename = "<editor>"

// Source is the code submitted by one Run action.
type Source struct {
	Text     string
	Filename string
}

func (s Source) filename() string {
	if s.Filename == "" {
		return DefaultFilename
	}
	return s.Filename
}

// Editor is the code-entry surface.
type Editor interface {
	BufferText() string
	// SelectionText returns the selected text and whether anything is selected.
	SelectionText() (string, bool)
}

// Buffer is an Editor holding a fixed snapshot of text, used by the HTTP,
// websocket and command-line surfaces.
type Buffer struct {
	Text      string
	Selection string
	Path      string
}

func (b Buffer) BufferText() string { return b.Text }

func (b Buffer) SelectionText() (string, bool) {
	return b.Selection, b.Selection != ""
}

// Filename returns the buffer's file path, if any.
func (b Buffer) Filename() string { return b.Path }

// SelectLines selects lines start through end, 1-based and inclusive.
func (b *Buffer) SelectLines(start, end int) error {
	lines := strings.SplitAfter(b.Text, "\n")
	if start < 1 || end < start || end > len(lines) {
		return fmt.Errorf("execution: line range %d:%d outside 1:%d", start, end, len(lines))
	}
	b.Selection = strings.Join(lines[start-1:end], "")
	return nil
}

func editorFilename(ed Editor) string {
	if f, ok := ed.(interface{ Filename() string }); ok {
		return f.Filename()
	}
	return ""
}
