package realtime

import (
	"sync"
	"time"
)

// Guard is the per-user admission control gating mutation intents. Each
// user gets a fixed window: the first intent starts it, further intents
// count against the max until the window's wall-clock deadline passes,
// and an exhausted window denies without counting.
type Guard struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	clock   func() time.Time
	entries map[string]*guardEntry
}

type guardEntry struct {
	count    int
	resetsAt time.Time
}

// NewGuard constructs a guard with a fixed window length and intent cap.
func NewGuard(window time.Duration, max int, clock func() time.Time) *Guard {
	if clock == nil {
		clock = time.Now
	}
	return &Guard{
		window:  window,
		max:     max,
		clock:   clock,
		entries: make(map[string]*guardEntry),
	}
}

// Allow reports whether the user may issue another intent right now.
func (g *Guard) Allow(userID string) bool {
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[userID]
	if !ok || now.After(entry.resetsAt) {
		g.entries[userID] = &guardEntry{count: 1, resetsAt: now.Add(g.window)}
		return true
	}
	if entry.count < g.max {
		entry.count++
		return true
	}
	return false
}
