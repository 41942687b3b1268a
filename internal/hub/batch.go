package hub

import (
	"sync"
	"time"

	"github.com/user/minipy/internal/event"
)

// batcher merges bursts of stream output into fewer websocket messages.
// Messages are flushed in the order they were added; anything that is not
// stream output flushes the batch immediately.
type batcher struct {
	mu       sync.Mutex
	pending  []OutputMessage
	interval time.Duration
	onFlush  func(msg OutputMessage)
	timer    *time.Timer
}

func newBatcher(interval time.Duration, onFlush func(OutputMessage)) *batcher {
	return &batcher{
		interval: interval,
		onFlush:  onFlush,
	}
}

func isStream(k event.Kind) bool {
	return k == event.KindStdout || k == event.KindStderr
}

func (b *batcher) Add(msg OutputMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !isStream(msg.Kind) {
		b.pending = append(b.pending, msg)
		b.flushLocked()
		return
	}

	if n := len(b.pending); n > 0 {
		last := &b.pending[n-1]
		if last.Kind == msg.Kind && last.RequestID == msg.RequestID {
			last.Text += msg.Text
			last.Seq = msg.Seq
			last.Ts = msg.Ts
			return
		}
	}
	b.pending = append(b.pending, msg)

	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.Flush)
	}
}

// Flush sends everything pending.
func (b *batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Drop discards pending output.
func (b *batcher) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.stopTimerLocked()
}

func (b *batcher) flushLocked() {
	b.stopTimerLocked()
	pending := b.pending
	b.pending = nil
	for _, msg := range pending {
		b.onFlush(msg)
	}
}

func (b *batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
