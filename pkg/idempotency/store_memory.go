package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node tooling.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]InboxEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]InboxEntry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*InboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Start(_ context.Context, entry InboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.entries[entry.IdempotencyKey]; ok {
		if existing.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		existing.Status = StatusStarted
		existing.UpdatedAt = now
		s.entries[entry.IdempotencyKey] = existing
		return nil
	}
	entry.Status = StatusStarted
	entry.CreatedAt, entry.UpdatedAt = now, now
	s.entries[entry.IdempotencyKey] = entry
	return nil
}

func (s *MemoryStore) Mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = s.now()
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Cleanup(_ context.Context, finishedTTL time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, e := range s.entries {
		expired := e.ExpiresAt != nil && e.ExpiresAt.Before(now)
		if expired || (e.Status == StatusFinished && e.UpdatedAt.Before(now.Add(-finishedTTL))) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, e := range s.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(now.Add(-olderThan)) {
			e.Status = StatusRecoverable
			e.UpdatedAt = now
			s.entries[k] = e
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(context.Context) (*InboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &InboxStats{TotalEntries: int64(len(s.entries))}
	for _, e := range s.entries {
		switch e.Status {
		case StatusStarted:
			stats.Started++
		case StatusFinished:
			stats.Finished++
		case StatusRecoverable:
			stats.Recoverable++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
