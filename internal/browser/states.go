package browser

import (
	"sync"
	"time"
)

// State is one phase of the connection state machine.
type State string

const (
	StateInit              State = "INIT"
	StateDetectingEnv      State = "DETECTING_ENV"
	StateWaitingForBrowser State = "WAITING_FOR_BROWSER"
	StateConnectingBrowser State = "CONNECTING_BROWSER"
	StateRetryBrowser      State = "RETRY_BROWSER"
	StateBrowserReady      State = "BROWSER_READY"
	StateWaitingForPage    State = "WAITING_FOR_PAGE"
	StatePageSelected      State = "PAGE_SELECTED"
	StateValidatingPage    State = "VALIDATING_PAGE"
	StatePageValidated     State = "PAGE_VALIDATED"
	StatePageInvalid       State = "PAGE_INVALID"
	StateReady             State = "READY"
	StateBrowserLost       State = "BROWSER_LOST"
)

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// History is a bounded ring buffer of state transitions kept for
// observability. Re-entering the current state is a no-op, not a new entry.
type History struct {
	mu      sync.Mutex
	current State
	buf     []Transition
	head    int
	size    int
}

// NewHistory creates a transition history holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 32
	}
	return &History{current: StateInit, buf: make([]Transition, capacity)}
}

// Record transitions to a new state, returning true if the state changed.
func (h *History) Record(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if to == h.current {
		return false
	}
	h.buf[h.head] = Transition{From: h.current, To: to, At: time.Now()}
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
	h.current = to
	return true
}

// Current returns the present state.
func (h *History) Current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Snapshot returns the recorded transitions, oldest first.
func (h *History) Snapshot() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Transition, 0, h.size)
	start := h.head - h.size
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}
