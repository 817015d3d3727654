package worker

import (
	"sync"
	"testing"
	"time"
)

type fireRecorder struct {
	mu    sync.Mutex
	fires []int64
}

func (r *fireRecorder) fire(conversationID, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, conversationID)
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func TestDebouncerCoalescesRapidFragments(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(50*time.Millisecond, rec.fire)
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Schedule(1, 7)
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("expected one fire for rapid fragments, got %d", got)
	}
}

func TestDebouncerFiresPerQuietWindow(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(30*time.Millisecond, rec.fire)
	defer d.Stop()

	d.Schedule(1, 7)
	time.Sleep(100 * time.Millisecond)
	d.Schedule(1, 7)
	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 2 {
		t.Errorf("expected two fires across the gap, got %d", got)
	}
}

func TestDebouncerIsolatesConversations(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(30*time.Millisecond, rec.fire)
	defer d.Stop()

	d.Schedule(1, 7)
	d.Schedule(2, 7)
	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 2 {
		t.Errorf("expected one fire per conversation, got %d", got)
	}
}

func TestDebouncerStopCancelsAllPending(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(30*time.Millisecond, rec.fire)

	d.Schedule(1, 7)
	d.Schedule(2, 7)
	d.Stop()
	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 0 {
		t.Errorf("stopped scheduler must not fire, got %d", got)
	}
	if d.Pending(1) || d.Pending(2) {
		t.Error("no timer may remain pending after stop")
	}
}

func TestDebouncerCancel(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(30*time.Millisecond, rec.fire)
	defer d.Stop()

	d.Schedule(1, 7)
	d.Cancel(1)
	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 0 {
		t.Errorf("canceled timer must not fire, got %d", got)
	}
	if d.Pending(1) {
		t.Error("canceled timer should not be pending")
	}
}
