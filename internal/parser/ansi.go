package parser

import (
	"bytes"
	"regexp"
	"strings"
)

// escapeSequences are removed in order; the catch-all single escape goes last
// so it cannot cut a longer sequence short.
var escapeSequences = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`),           // CSI: colours, cursor movement
	regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`),          // OSC: window titles, hyperlinks
	regexp.MustCompile(`\x1b[P^_k].*?\x1b\\`),               // DCS, PM, APC, old title
	regexp.MustCompile(`\x1b[()][0-9A-Za-z]|\x1b[=>]|\x1b.`), // charset, keypad, single
}

// StripANSI removes terminal escape sequences and control bytes from
// program output, applying carriage returns and backspaces.
func StripANSI(s string) string {
	if strings.IndexByte(s, 0x1b) >= 0 {
		for _, re := range escapeSequences {
			s = re.ReplaceAllString(s, "")
		}
	}

	result := make([]byte, 0, len(s))
	overwrite := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\r':
			// A lone carriage return rewinds the line; progress bars rely on it.
			if i+1 < len(s) && s[i+1] == '\n' {
				continue
			}
			overwrite = true
			continue
		case ch == '\n':
			overwrite = false
		case ch == '\b':
			if len(result) > 0 && result[len(result)-1] != '\n' {
				result = result[:len(result)-1]
			}
			continue
		case (ch < 0x20 || ch == 0x7f) && ch != '\t':
			continue
		}
		if overwrite {
			result = result[:bytes.LastIndexByte(result, '\n')+1]
			overwrite = false
		}
		result = append(result, ch)
	}
	return string(result)
}
