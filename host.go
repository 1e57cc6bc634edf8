package raven

import (
	"errors"
	"sync"
	"time"
)

// Phase is the host execution phase a send happens in.
type Phase uint8

const (
	// PhaseInit is module/plugin initialization; network I/O is forbidden.
	PhaseInit Phase = iota
	// PhaseRequest is request handling.
	PhaseRequest
	// PhaseTimer is a deferred task started by Host.Schedule.
	PhaseTimer
	// PhaseBackground is a plain goroutine with no restrictions.
	PhaseBackground
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseRequest:
		return "request"
	case PhaseTimer:
		return "timer"
	case PhaseBackground:
		return "background"
	default:
		return "unknown"
	}
}

// CanDoIO reports whether blocking network I/O is allowed in the phase.
func (p Phase) CanDoIO() bool {
	return p != PhaseInit
}

// Host is the phase oracle and deferred-task scheduler of the embedding runtime.
// Schedule must not run fn before returning: AsyncSender calls it with its
// queue lock held.
type Host interface {
	Phase() Phase
	Schedule(fn func(), delay time.Duration) error
}

var ErrHostClosed = errors.New("host is closed")

// GoroutineHost runs scheduled tasks on their own goroutine.
type GoroutineHost struct {
	phase func() Phase

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
	wg     sync.WaitGroup
}

// NewGoroutineHost returns a host whose current phase is reported by phase.
// A nil phase always reports PhaseBackground.
func NewGoroutineHost(phase func() Phase) *GoroutineHost {
	if phase == nil {
		phase = func() Phase { return PhaseBackground }
	}
	return &GoroutineHost{phase: phase, timers: make(map[*time.Timer]struct{})}
}

func (h *GoroutineHost) Phase() Phase {
	return h.phase()
}

// Schedule runs fn after delay. It fails once the host is closed.
func (h *GoroutineHost) Schedule(fn func(), delay time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHostClosed
	}

	h.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer h.wg.Done()

		h.mu.Lock()
		delete(h.timers, timer)
		h.mu.Unlock()

		fn()
	})
	h.timers[timer] = struct{}{}
	return nil
}

// Cancel rejects new tasks and cancels the ones still waiting for their
// delay. Running tasks are not waited for.
func (h *GoroutineHost) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for timer := range h.timers {
		if timer.Stop() {
			h.wg.Done()
		}
		delete(h.timers, timer)
	}
}

// Close cancels like Cancel and then waits for the running tasks to return.
func (h *GoroutineHost) Close() {
	h.Cancel()
	h.wg.Wait()
}
