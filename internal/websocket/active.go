package websocket

import (
	"sort"
	"sync"
)

// PageTracker is notified when a page gains its first viewer or loses its
// last one.
type PageTracker interface {
	SetActivePage(permalink string)
	UnsetActivePage(permalink string)
}

// ActivePages reference-counts the permalinks open in connected sessions.
type ActivePages struct {
	mu      sync.Mutex
	counts  map[string]int
	tracker PageTracker
}

// NewActivePages creates a tracker. tracker may be nil.
func NewActivePages(tracker PageTracker) *ActivePages {
	return &ActivePages{
		counts:  make(map[string]int),
		tracker: tracker,
	}
}

// Acquire records one more viewer of permalink.
func (a *ActivePages) Acquire(permalink string) {
	if permalink == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.counts[permalink]++
	if a.counts[permalink] == 1 && a.tracker != nil {
		a.tracker.SetActivePage(permalink)
	}
}

// Release drops one viewer of permalink.
func (a *ActivePages) Release(permalink string) {
	if permalink == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.counts[permalink]
	switch {
	case !ok:
		return
	case n > 1:
		a.counts[permalink] = n - 1
	default:
		delete(a.counts, permalink)
		if a.tracker != nil {
			a.tracker.UnsetActivePage(permalink)
		}
	}
}

// Viewers returns how many sessions are viewing permalink.
func (a *ActivePages) Viewers(permalink string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.counts[permalink]
}

// Pages lists the permalinks with at least one viewer.
func (a *ActivePages) Pages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	pages := make([]string, 0, len(a.counts))
	for p := range a.counts {
		pages = append(pages, p)
	}
	sort.Strings(pages)

	return pages
}
