package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// PredictionStats describe the work done by one prediction.
type PredictionStats struct {
	// PromptTokens is the number of tokens the prompt added to the input.
	PromptTokens int `json:"prompt_tokens"`
	// Matched is the common prefix length of the loaded session cache and
	// the input, before any truncation. Zero without a cache.
	Matched int `json:"matched"`
	// Reused counts tokens taken from the session cache instead of decoded.
	Reused    int `json:"reused"`
	Decoded   int `json:"decoded"`
	Generated int `json:"generated"`
}

// PredictionHandle identifies a submitted prediction. Cancel may be called
// from any goroutine; it is a no-op once the prediction has finished.
type PredictionHandle struct {
	ID uuid.UUID

	cancelled atomic.Bool
	done      chan struct{}
	onFinish  func()

	mu      sync.Mutex
	stats   PredictionStats
	outcome PredictionEvent
}

func newHandle() *PredictionHandle {
	return &PredictionHandle{ID: uuid.New(), done: make(chan struct{})}
}

// Cancel requests cooperative cancellation. The decode loop observes it at
// its next check; a decode call in progress is never interrupted.
func (h *PredictionHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome == nil {
		h.cancelled.Store(true)
	}
}

// Cancelled reports whether cancellation was requested. Once the prediction
// has finished it reports whether it ended cancelled, so a request that came
// after the last check does not mark a completed prediction.
func (h *PredictionHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome != nil {
		_, ok := h.outcome.(Cancelled)
		return ok
	}
	return h.cancelled.Load()
}

// Done is closed after the terminal event has been delivered.
func (h *PredictionHandle) Done() <-chan struct{} { return h.done }

// Stats are final once Done is closed.
func (h *PredictionHandle) Stats() PredictionStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Outcome returns the terminal event, or nil while running.
func (h *PredictionHandle) Outcome() PredictionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// finish marks the handle finished before the terminal event is posted.
func (h *PredictionHandle) finish(ev PredictionEvent, st PredictionStats) {
	h.mu.Lock()
	h.outcome = ev
	h.stats = st
	h.mu.Unlock()
}

// delivered runs after the handler has seen the terminal event.
func (h *PredictionHandle) delivered() {
	close(h.done)
	if h.onFinish != nil {
		h.onFinish()
	}
}
