package execution

import (
	"time"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
)

// Observer is notified of controller transitions. Callbacks run on
// controller goroutines, must not block and must not call back into the
// Controller.
type Observer interface {
	StateChanged(prev, next event.State)
	SessionStarted(sess kernel.Session)
	SessionEnded(sess kernel.Session, reason string)
	RunStarted(req kernel.Request)
	RunFinished(req kernel.Request, status event.Status, events int, elapsed time.Duration)
}

// NopObserver implements Observer with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) StateChanged(event.State, event.State) {}
func (NopObserver) SessionStarted(kernel.Session) {}
func (NopObserver) SessionEnded(kernel.Session, string) {}
func (NopObserver) RunStarted(kernel.Request) {}
func (NopObserver) RunFinished(kernel.Request, event.Status, int, time.Duration) {}

// Session ending reasons.
const (
	EndRestart          = "restart"
	EndCrashed          = "crashed"
	EndInterruptTimeout = "interrupt-timeout"
	EndShutdown         = "shutdown"
)
