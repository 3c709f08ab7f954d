package session

import (
	"sync"
	"time"
)

// Action is a rate-limited class of client activity.
type Action string

const (
	ActionExecution Action = "execution"
	ActionFileOp    Action = "file_op"
	ActionMessage   Action = "message"
)

// Per-handle limits over a 60-second sliding window.
const (
	rateWindow     = 60 * time.Second
	limitExecution = 10
	limitFileOp    = 100
	limitMessage   = 300
)

func limitFor(a Action) int {
	switch a {
	case ActionExecution:
		return limitExecution
	case ActionFileOp:
		return limitFileOp
	default:
		return limitMessage
	}
}

// RateLimiter keeps three independent sliding windows per handle. Each
// check prunes timestamps that have left the window.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[Action]map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: map[Action]map[string][]time.Time{
			ActionExecution: {},
			ActionFileOp:    {},
			ActionMessage:   {},
		},
		now: time.Now,
	}
}

// Allow records one action for the handle if the window has room. When the
// window is exhausted it returns false and the time until the oldest
// timestamp exits the window.
func (rl *RateLimiter) Allow(handle string, a Action) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	tracker := rl.windows[a]
	if tracker == nil {
		tracker = map[string][]time.Time{}
		rl.windows[a] = tracker
	}

	kept := tracker[handle][:0]
	for _, t := range tracker[handle] {
		if now.Sub(t) < rateWindow {
			kept = append(kept, t)
		}
	}
	tracker[handle] = kept

	if len(kept) >= limitFor(a) {
		wait := rateWindow - now.Sub(kept[0])
		return false, wait
	}

	tracker[handle] = append(kept, now)
	return true, 0
}

// Forget drops all windows for a handle, e.g. after logout.
func (rl *RateLimiter) Forget(handle string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, tracker := range rl.windows {
		delete(tracker, handle)
	}
}
