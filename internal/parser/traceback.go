package parser

import (
	"strconv"
	"strings"
)

// ParseTraceback extracts the exception name, message and frames from a
// Python or JavaScript traceback. It reports false when text has no
// recognizable exception line.
func ParseTraceback(text string) (Traceback, bool) {
	lines := strings.Split(strings.TrimRight(StripANSI(text), "\n"), "\n")
	for _, line := range lines {
		if jsFramePattern.MatchString(line) {
			return parseJS(lines)
		}
	}
	if tb, ok := parsePython(lines); ok {
		return tb, true
	}
	return parseJS(lines)
}

func parsePython(lines []string) (Traceback, bool) {
	var tb Traceback
	sawFrame := false
	for _, line := range lines {
		if m := pyFramePattern.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			tb.Frames = append(tb.Frames, Frame{File: m[1], Line: n, Function: m[3]})
			sawFrame = true
		}
	}

	// The exception line is the last unindented line. Chained exceptions
	// repeat the pattern; the final one wins.
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if strings.HasPrefix(line, "Traceback (most recent call last)") {
			break
		}
		m := pyExceptionPattern.FindStringSubmatch(line)
		if m == nil {
			break
		}
		tb.Name = m[1]
		tb.Message = m[2]
		if !sawFrame && !looksLikeException(tb.Name) {
			return Traceback{}, false
		}
		return tb, true
	}
	return Traceback{}, false
}

func parseJS(lines []string) (Traceback, bool) {
	if len(lines) == 0 {
		return Traceback{}, false
	}
	m := jsHeaderPattern.FindStringSubmatch(strings.TrimSpace(lines[0]))
	if m == nil {
		return Traceback{}, false
	}
	tb := Traceback{Name: m[1], Message: m[2]}
	var frames []Frame
	for _, line := range lines[1:] {
		fm := jsFramePattern.FindStringSubmatch(line)
		if fm == nil {
			continue
		}
		n, _ := strconv.Atoi(fm[3])
		col, _ := strconv.Atoi(fm[4])
		frames = append(frames, Frame{File: fm[2], Line: n, Column: col, Function: fm[1]})
	}
	// JavaScript stacks list the innermost frame first.
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	tb.Frames = frames
	return tb, true
}

func looksLikeException(name string) bool {
	for _, suffix := range []string{"Error", "Exception", "Interrupt", "Exit", "Warning"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
