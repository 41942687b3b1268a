package kernel

import (
	"time"

	"github.com/google/uuid"
)

// Request is one submission of source text to the session.
type Request struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Filename    string    `json:"filename"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewRequest assigns a fresh request ID.
func NewRequest(code, filename string) Request {
	return Request{
		ID:          uuid.NewString(),
		Code:        code,
		Filename:    filename,
		SubmittedAt: time.Now(),
	}
}
