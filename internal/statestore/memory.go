package statestore

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a process-local Store used in tests and single-node
// development. TTLs are honored lazily on read.
type InMemoryStore struct {
	mu            sync.Mutex
	buffers       map[int64]*memBuffer
	takeover      map[int64]time.Time
	responding    map[int64]time.Time
	takeoverTTL   time.Duration
	respondingTTL time.Duration
}

type memBuffer struct {
	items     []string
	expiresAt time.Time
}

// NewInMemoryStore creates an empty in-memory store with the default TTLs.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		buffers:       make(map[int64]*memBuffer),
		takeover:      make(map[int64]time.Time),
		responding:    make(map[int64]time.Time),
		takeoverTTL:   DefaultTakeoverTTL,
		respondingTTL: DefaultRespondingTTL,
	}
}

// SetRespondingTTL overrides the bot-authored marker TTL (tests).
func (s *InMemoryStore) SetRespondingTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respondingTTL = d
}

func (s *InMemoryStore) PushBuffer(_ context.Context, conversationID int64, content string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[conversationID]
	if !ok || time.Now().After(buf.expiresAt) {
		buf = &memBuffer{}
		s.buffers[conversationID] = buf
	}
	buf.items = append(buf.items, content)
	buf.expiresAt = time.Now().Add(ttl)
	return int64(len(buf.items)), nil
}

func (s *InMemoryStore) ReadBuffer(_ context.Context, conversationID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[conversationID]
	if !ok || time.Now().After(buf.expiresAt) {
		return nil, nil
	}
	out := make([]string, len(buf.items))
	copy(out, buf.items)
	return out, nil
}

func (s *InMemoryStore) DeleteBuffer(_ context.Context, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, conversationID)
	return nil
}

func (s *InMemoryStore) BufferExists(_ context.Context, conversationID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[conversationID]
	return ok && time.Now().Before(buf.expiresAt), nil
}

func (s *InMemoryStore) SetHumanTakeover(_ context.Context, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takeover[conversationID] = time.Now().Add(s.takeoverTTL)
	return nil
}

func (s *InMemoryStore) ClearHumanTakeover(_ context.Context, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.takeover, conversationID)
	return nil
}

func (s *InMemoryStore) IsHumanTakeover(_ context.Context, conversationID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.takeover[conversationID]
	return ok && time.Now().Before(exp), nil
}

func (s *InMemoryStore) SetAIResponding(_ context.Context, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responding[conversationID] = time.Now().Add(s.respondingTTL)
	return nil
}

func (s *InMemoryStore) IsAIResponding(_ context.Context, conversationID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.responding[conversationID]
	return ok && time.Now().Before(exp), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
