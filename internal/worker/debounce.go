package worker

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer holds one timer per conversation. Every new fragment resets the
// conversation's timer; the fire callback runs only after a full quiet window
// with no further fragments.
type Debouncer struct {
	mu     sync.Mutex
	timers map[int64]*debounceEntry
	delay  time.Duration
	fire   func(conversationID, accountID int64)
}

type debounceEntry struct {
	timer     *time.Timer
	accountID int64
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(delay time.Duration, fire func(conversationID, accountID int64)) *Debouncer {
	return &Debouncer{
		timers: make(map[int64]*debounceEntry),
		delay:  delay,
		fire:   fire,
	}
}

// Schedule arms (or re-arms) the conversation's timer.
func (d *Debouncer) Schedule(conversationID, accountID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.timers[conversationID]; ok {
		entry.timer.Stop()
	}
	entry := &debounceEntry{accountID: accountID}
	entry.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// A fragment that raced the firing timer re-armed the entry; let the
		// newer timer handle the batch.
		if current, ok := d.timers[conversationID]; !ok || current != entry {
			d.mu.Unlock()
			return
		}
		delete(d.timers, conversationID)
		d.mu.Unlock()
		d.fire(conversationID, accountID)
	})
	d.timers[conversationID] = entry
	slog.Debug("Debouncer.Schedule: timer armed", "conversationID", conversationID, "delay", d.delay)
}

// Cancel drops the conversation's pending timer, if any.
func (d *Debouncer) Cancel(conversationID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.timers[conversationID]; ok {
		entry.timer.Stop()
		delete(d.timers, conversationID)
	}
}

// Stop cancels every pending timer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, entry := range d.timers {
		entry.timer.Stop()
		delete(d.timers, id)
	}
}

// Pending reports whether the conversation has an armed timer (tests).
func (d *Debouncer) Pending(conversationID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[conversationID]
	return ok
}
