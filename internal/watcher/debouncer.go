package watcher

import (
	"sync"
	"time"
)

// Debouncer groups rapid file changes together. Events for one path inside
// a window collapse into a single event whose type reflects the net
// change.
type Debouncer struct {
	delay   time.Duration
	emit    func([]ChangeEvent)
	timer   *time.Timer
	order   []string
	pending map[string]ChangeEvent
	mutex   sync.Mutex
}

// NewDebouncer creates a debouncer that hands each settled batch to emit.
func NewDebouncer(delay time.Duration, emit func([]ChangeEvent)) *Debouncer {
	return &Debouncer{
		delay:   delay,
		emit:    emit,
		pending: make(map[string]ChangeEvent),
	}
}

// Add records event and restarts the quiet-period timer.
func (d *Debouncer) Add(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if prev, ok := d.pending[event.Path]; ok {
		event.Type = merge(prev.Type, event.Type)
	} else {
		d.order = append(d.order, event.Path)
	}
	d.pending[event.Path] = event

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.Flush)
}

// Flush emits everything pending immediately.
func (d *Debouncer) Flush() {
	d.mutex.Lock()
	if len(d.order) == 0 {
		d.mutex.Unlock()

		return
	}

	events := make([]ChangeEvent, 0, len(d.order))
	for _, path := range d.order {
		events = append(events, d.pending[path])
	}
	d.order = nil
	d.pending = make(map[string]ChangeEvent)
	d.mutex.Unlock()

	d.emit(events)
}

// Stop cancels a pending flush.
func (d *Debouncer) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
}

// merge folds the next event for a path into the one already pending.
func merge(prev, next EventType) EventType {
	switch {
	case prev == EventTypeCreated && next == EventTypeModified:
		return EventTypeCreated
	case prev == EventTypeDeleted && next == EventTypeCreated:
		return EventTypeModified
	default:
		return next
	}
}
