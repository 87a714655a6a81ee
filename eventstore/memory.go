package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetstream/domain"
)

// MemoryStore is an in-process Store with the same semantics as the table
// implementation: gapless store-assigned versions and an atomic
// check-and-append per aggregate id. Used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string][]domain.Event
	types   map[string]string // aggregate id -> aggregate type
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]domain.Event),
		types:   make(map[string]string),
	}
}

func (s *MemoryStore) SaveEvents(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion int64, aggregateType string) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.streams[aggregateID]))
	if current != expectedVersion {
		return nil, fmt.Errorf("aggregate %s at version %d, expected %d: %w", aggregateID, current, expectedVersion, ErrConcurrencyConflict)
	}

	saved := make([]domain.Event, len(events))
	for i, ev := range events {
		ev.AggregateID = aggregateID
		ev.AggregateType = aggregateType
		ev.Version = expectedVersion + int64(i) + 1
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		saved[i] = ev
	}
	s.streams[aggregateID] = append(s.streams[aggregateID], saved...)
	s.types[aggregateID] = aggregateType

	out := make([]domain.Event, len(saved))
	copy(out, saved)
	return out, nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.streams[aggregateID]
	out := make([]domain.Event, len(stream))
	copy(out, stream)
	return out, nil
}

func (s *MemoryStore) GetAggregateIDsByType(ctx context.Context, aggregateType string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for id, t := range s.types {
		if t == aggregateType {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
