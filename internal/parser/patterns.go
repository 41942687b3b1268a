package parser

import "regexp"

var (
	pyFramePattern     *regexp.Regexp
	pyExceptionPattern *regexp.Regexp
	jsHeaderPattern    *regexp.Regexp
	jsFramePattern     *regexp.Regexp
)

func init() {
	pyFramePattern = regexp.MustCompile(`^\s*File "(.+)", line (\d+)(?:, in (.+))?\s*$`)
	pyExceptionPattern = regexp.MustCompile(`^([A-Za-z_][\w.]*)(?::\s?(.*))?$`)
	jsHeaderPattern = regexp.MustCompile(`^([A-Za-z_$][\w$]*): ?(.*)$`)
	jsFramePattern = regexp.MustCompile(`^\s*at (?:(.+?) \()?(.+?):(\d+):(\d+)(?:\(\d+\))?\)?\s*$`)
}
