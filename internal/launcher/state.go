package launcher

import (
	"sync"
	"time"

	"github.com/fetchq/fetchq/pkg/models"
)

// stateSnapshot is a point-in-time view of the backend state.
type stateSnapshot struct {
	State models.BackendState
	Since time.Time
	Cause error // last failure cause, nil unless State is failed
}

// stateHolder tracks the backend lifecycle state and fans transitions out
// to subscribers. Same-state sets are dropped so subscribers only see
// transitions.
type stateHolder struct {
	mu    sync.RWMutex
	state models.BackendState
	cause error
	since time.Time
	subs  []chan models.BackendState
}

func newStateHolder() *stateHolder {
	return &stateHolder{
		state: models.BackendNotStarted,
		since: time.Now().UTC(),
	}
}

func (h *stateHolder) snapshot() stateSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return stateSnapshot{State: h.state, Since: h.since, Cause: h.cause}
}

// set records a transition and notifies subscribers. Sends are
// non-blocking: a subscriber that stops draining misses transitions
// beyond its buffer.
func (h *stateHolder) set(state models.BackendState, cause error) {
	h.mu.Lock()
	if state == h.state {
		h.mu.Unlock()
		return
	}
	h.state = state
	h.cause = cause
	h.since = time.Now().UTC()
	subs := make([]chan models.BackendState, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// subscribe registers a listener for state transitions. The channel is
// never closed; it lives as long as the holder.
func (h *stateHolder) subscribe() <-chan models.BackendState {
	ch := make(chan models.BackendState, 8)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}
