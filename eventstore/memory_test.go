package eventstore

import (
	"context"
	"errors"
	"testing"

	"fleetstream/domain"
)

func newEvents(t *testing.T, types ...string) []domain.Event {
	t.Helper()
	events := make([]domain.Event, len(types))
	for i, typ := range types {
		events[i] = domain.Event{Type: typ}
	}
	return events
}

func TestSaveEventsAssignsVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	saved, err := s.SaveEvents(ctx, "d1", newEvents(t, "delivery-created", "delivery-status-updated"), 0, domain.AggregateDelivery)
	if err != nil {
		t.Fatalf("SaveEvents: %v", err)
	}
	if len(saved) != 2 || saved[0].Version != 1 || saved[1].Version != 2 {
		t.Fatalf("saved = %+v", saved)
	}
	if saved[0].AggregateID != "d1" || saved[0].AggregateType != domain.AggregateDelivery {
		t.Fatalf("envelope not stamped: %+v", saved[0])
	}

	saved, err = s.SaveEvents(ctx, "d1", newEvents(t, "delivery-checkpoint-reached"), 2, domain.AggregateDelivery)
	if err != nil {
		t.Fatalf("second SaveEvents: %v", err)
	}
	if saved[0].Version != 3 {
		t.Fatalf("version = %d, want 3", saved[0].Version)
	}
}

func TestSaveEventsStaleExpectedVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.SaveEvents(ctx, "d1", newEvents(t, "delivery-created"), 0, domain.AggregateDelivery); err != nil {
		t.Fatalf("SaveEvents: %v", err)
	}
	// A second writer that loaded at version 0 must lose.
	if _, err := s.SaveEvents(ctx, "d1", newEvents(t, "delivery-status-updated"), 0, domain.AggregateDelivery); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want concurrency conflict", err)
	}
	// And nothing was persisted for the loser.
	events, err := s.GetEvents(ctx, "d1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
}

func TestSaveEventsExpectedVersionAhead(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.SaveEvents(context.Background(), "d1", newEvents(t, "delivery-created"), 5, domain.AggregateDelivery); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want concurrency conflict", err)
	}
}

func TestGetAggregateIDsByType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.SaveEvents(ctx, "d1", newEvents(t, "delivery-created"), 0, domain.AggregateDelivery); err != nil {
		t.Fatalf("SaveEvents d1: %v", err)
	}
	if _, err := s.SaveEvents(ctx, "r1", newEvents(t, "route-created"), 0, domain.AggregateRoute); err != nil {
		t.Fatalf("SaveEvents r1: %v", err)
	}
	ids, err := s.GetAggregateIDsByType(ctx, domain.AggregateDelivery)
	if err != nil {
		t.Fatalf("GetAggregateIDsByType: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("ids = %v", ids)
	}
}
