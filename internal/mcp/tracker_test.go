package mcp

import (
	"testing"
	"time"
)

func TestSearchTracker_RecordAndCheck(t *testing.T) {
	tracker := newSearchTracker(time.Hour)

	// Not searched yet.
	if tracker.WasSearched("sess-1", "acme/widgets") {
		t.Fatal("expected WasSearched to return false before any Record")
	}

	tracker.Record("sess-1", "acme/widgets")

	if !tracker.WasSearched("sess-1", "acme/widgets") {
		t.Fatal("expected WasSearched to return true after Record")
	}
}

func TestSearchTracker_DifferentScopes(t *testing.T) {
	tracker := newSearchTracker(time.Hour)

	tracker.Record("sess-1", "acme/widgets")

	// Same session, different scope — should not count.
	if tracker.WasSearched("sess-1", "acme/gadgets") {
		t.Fatal("expected WasSearched to return false for unsearched scope")
	}
}

func TestSearchTracker_DifferentSessions(t *testing.T) {
	tracker := newSearchTracker(time.Hour)

	tracker.Record("sess-1", "acme/widgets")

	if tracker.WasSearched("sess-2", "acme/widgets") {
		t.Fatal("expected WasSearched to return false for different session")
	}
}

func TestSearchTracker_Expiry(t *testing.T) {
	// Use a very short window so entries expire immediately.
	tracker := newSearchTracker(time.Millisecond)

	tracker.Record("sess-1", "acme/widgets")
	time.Sleep(5 * time.Millisecond)

	if tracker.WasSearched("sess-1", "acme/widgets") {
		t.Fatal("expected WasSearched to return false after window expired")
	}
}

func TestSearchTracker_UpdateTimestamp(t *testing.T) {
	tracker := newSearchTracker(50 * time.Millisecond)

	tracker.Record("sess-1", "acme/widgets")
	time.Sleep(30 * time.Millisecond)

	// Re-record to refresh the timestamp.
	tracker.Record("sess-1", "acme/widgets")
	time.Sleep(30 * time.Millisecond)

	// Should still be valid because we refreshed.
	if !tracker.WasSearched("sess-1", "acme/widgets") {
		t.Fatal("expected WasSearched to return true after timestamp refresh")
	}
}

func TestSearchTracker_PurgeStale(t *testing.T) {
	tracker := newSearchTracker(time.Hour)

	// Backdate entries directly so the purge has something stale to remove.
	tracker.mu.Lock()
	for i := range 10 {
		key := searchKey{sessionID: "old", scope: string(rune('a' + i))}
		tracker.searches[key] = time.Now().Add(-2 * time.Hour)
	}
	tracker.searches[searchKey{sessionID: "fresh", scope: "x"}] = time.Now()
	tracker.purgeStale()
	remaining := len(tracker.searches)
	tracker.mu.Unlock()

	if remaining != 1 {
		t.Fatalf("expected 1 entry after purge, got %d", remaining)
	}
	if !tracker.WasSearched("fresh", "x") {
		t.Fatal("expected fresh entry to survive the purge")
	}
}
