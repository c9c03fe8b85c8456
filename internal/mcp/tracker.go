package mcp

import (
	"sync"
	"time"
)

// searchTracker records recent hanrei_search calls so hanrei_draft_response
// can detect when a caller skips the search-before-draft workflow and nudge
// them.
//
// The tracker is keyed on (sessionID, scope) with a configurable time
// window. This is an in-memory, per-process structure — it does not survive
// restarts, which is acceptable because the nudge is advisory, not a hard
// gate.
type searchTracker struct {
	mu       sync.Mutex
	searches map[searchKey]time.Time
	window   time.Duration // how long a search is considered "recent"
}

type searchKey struct {
	sessionID string
	scope     string
}

func newSearchTracker(window time.Duration) *searchTracker {
	return &searchTracker{
		searches: make(map[searchKey]time.Time),
		window:   window,
	}
}

// Record notes that the session searched the given scope.
func (t *searchTracker) Record(sessionID, scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searches[searchKey{sessionID, scope}] = time.Now()

	// Lazy cleanup: if the map has grown large, purge stale entries to
	// prevent unbounded growth from many distinct sessions over time.
	if len(t.searches) > 1000 {
		t.purgeStale()
	}
}

// WasSearched reports whether the session searched this scope within the
// configured time window.
func (t *searchTracker) WasSearched(sessionID, scope string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.searches[searchKey{sessionID, scope}]
	if !ok {
		return false
	}
	if time.Since(ts) > t.window {
		delete(t.searches, searchKey{sessionID, scope})
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *searchTracker) purgeStale() {
	now := time.Now()
	for k, ts := range t.searches {
		if now.Sub(ts) > t.window {
			delete(t.searches, k)
		}
	}
}
