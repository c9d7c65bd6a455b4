package errors

import (
	"sort"
	"sync"
	"time"
)

// Entry is the last failure recorded for one source file.
type Entry struct {
	Path      string    `json:"path"`
	Permalink string    `json:"permalink,omitempty"`
	Message   string    `json:"message"`
	Type      ErrorType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Diagnostics keeps at most one entry per source file. A page is "erroring"
// while it has an entry.
type Diagnostics struct {
	entries map[string]Entry
	mutex   sync.RWMutex
}

// NewDiagnostics creates an empty collector.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{
		entries: make(map[string]Entry),
	}
}

// Set records err for path, replacing any previous entry.
func (d *Diagnostics) Set(path, permalink string, err error) Entry {
	entry := Entry{
		Path:      path,
		Permalink: permalink,
		Message:   Diagnostic(err),
		Type:      ErrorTypeCompile,
		Timestamp: time.Now(),
	}
	var qe *QuireError
	if As(err, &qe) {
		entry.Type = qe.Type
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.entries[path] = entry
	return entry
}

// Clear removes the entry for path and reports whether there was one.
func (d *Diagnostics) Clear(path string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	_, ok := d.entries[path]
	delete(d.entries, path)
	return ok
}

// Get returns the entry for path.
func (d *Diagnostics) Get(path string) (Entry, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	entry, ok := d.entries[path]
	return entry, ok
}

// HasErrors returns true if any file is failing.
func (d *Diagnostics) HasErrors() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return len(d.entries) > 0
}

// Snapshot returns all entries ordered by path.
func (d *Diagnostics) Snapshot() []Entry {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	result := make([]Entry, 0, len(d.entries))
	for _, entry := range d.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})
	return result
}

// Restore replaces the collector content, typically with entries loaded
// from the state file.
func (d *Diagnostics) Restore(entries []Entry) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.entries = make(map[string]Entry, len(entries))
	for _, entry := range entries {
		d.entries[entry.Path] = entry
	}
}
