package conversation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store when no history was persisted for a key.
var ErrNotFound = errors.New("conversation not found")

// Record is the persisted checkpoint of a conversation.
type Record struct {
	Key       Key
	History   []ChatMessage
	UpdatedAt time.Time
}

// Store persists channel histories keyed by (platform, channel).
type Store interface {
	Load(ctx context.Context, key Key) (*Record, error)
	Save(ctx context.Context, key Key, history []ChatMessage) error
}

// InMemoryStore keeps histories in process memory. Used by default and in tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[Key]Record),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Load(ctx context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *InMemoryStore) Save(ctx context.Context, key Key, history []ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = cloneRecord(Record{Key: key, History: history, UpdatedAt: s.now()})
	return nil
}

func cloneRecord(r Record) Record {
	r.History = append([]ChatMessage(nil), r.History...)
	return r
}
