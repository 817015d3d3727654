package statestore

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryBufferPushOrder(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, frag := range []string{"Hi", "I need help"} {
		if _, err := s.PushBuffer(ctx, 1, frag, time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	items, err := s.ReadBuffer(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0] != "Hi" || items[1] != "I need help" {
		t.Errorf("buffer not in push order: %v", items)
	}
}

func TestInMemoryBufferExpiry(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.PushBuffer(ctx, 2, "a", 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	exists, err := s.BufferExists(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Error("buffer should have expired")
	}
	items, err := s.ReadBuffer(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expired buffer should read empty, got %v", items)
	}
}

func TestInMemoryBufferDeleteIsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.PushBuffer(ctx, 3, "a", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.DeleteBuffer(ctx, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.DeleteBuffer(ctx, 3); err != nil {
		t.Fatalf("second delete should not error: %v", err)
	}
}

func TestInMemoryTakeoverFlags(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	on, _ := s.IsHumanTakeover(ctx, 4)
	if on {
		t.Fatal("takeover should start clear")
	}
	if err := s.SetHumanTakeover(ctx, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	on, _ = s.IsHumanTakeover(ctx, 4)
	if !on {
		t.Error("takeover flag not set")
	}
	if err := s.ClearHumanTakeover(ctx, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	on, _ = s.IsHumanTakeover(ctx, 4)
	if on {
		t.Error("takeover flag not cleared")
	}
}

func TestInMemoryRespondingMarkerExpires(t *testing.T) {
	s := NewInMemoryStore()
	s.SetRespondingTTL(10 * time.Millisecond)
	ctx := context.Background()

	if err := s.SetAIResponding(ctx, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	on, _ := s.IsAIResponding(ctx, 5)
	if !on {
		t.Fatal("marker should be set")
	}
	time.Sleep(30 * time.Millisecond)
	on, _ = s.IsAIResponding(ctx, 5)
	if on {
		t.Error("marker should have expired")
	}
}
