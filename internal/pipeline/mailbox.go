package pipeline

import (
	"sync"

	"go.uber.org/atomic"
)

// FrameMailbox is a single-slot buffer holding the latest annotated frame of
// a source. Put overwrites an unread frame, so the producer never waits on a
// slow consumer.
type FrameMailbox struct {
	mu    sync.Mutex
	frame *Frame
	drops atomic.Uint64
}

// NewFrameMailbox creates an empty mailbox.
func NewFrameMailbox() *FrameMailbox {
	return &FrameMailbox{}
}

// Put stores f, replacing any frame that was not taken yet.
func (m *FrameMailbox) Put(f Frame) {
	m.mu.Lock()
	if m.frame != nil {
		m.drops.Inc()
	}
	m.frame = &f
	m.mu.Unlock()
}

// Take removes and returns the current frame. ok is false when empty.
func (m *FrameMailbox) Take() (f Frame, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frame == nil {
		return Frame{}, false
	}
	f = *m.frame
	m.frame = nil
	return f, true
}

// Peek returns the current frame without consuming it.
func (m *FrameMailbox) Peek() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frame == nil {
		return Frame{}, false
	}
	return *m.frame, true
}

// Dropped returns how many frames were overwritten before anyone took them.
func (m *FrameMailbox) Dropped() uint64 {
	return m.drops.Load()
}
