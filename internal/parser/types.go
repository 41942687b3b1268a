package parser

// Frame is one stack entry of a traceback.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Function string `json:"function,omitempty"`
}

// Traceback is the structured form of an error-traceback payload.
type Traceback struct {
	// Name is the exception type, e.g. "ZeroDivisionError".
	Name    string  `json:"name"`
	Message string  `json:"message"`
	Frames  []Frame `json:"frames,omitempty"`
}

// Innermost returns the frame closest to where the error was raised.
func (t Traceback) Innermost() (Frame, bool) {
	if len(t.Frames) == 0 {
		return Frame{}, false
	}
	return t.Frames[len(t.Frames)-1], true
}

// LineIn returns the innermost line number that belongs to file, used to
// highlight the offending editor line.
func (t Traceback) LineIn(file string) (int, bool) {
	for i := len(t.Frames) - 1; i >= 0; i-- {
		if t.Frames[i].File == file {
			return t.Frames[i].Line, true
		}
	}
	return 0, false
}
