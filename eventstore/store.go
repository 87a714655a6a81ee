package eventstore

import (
	"context"
	"errors"

	"fleetstream/domain"
)

var (
	// ErrConcurrencyConflict means the stream advanced past the expected
	// version between load and save. The store never retries; callers
	// re-load and reapply if they want to.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrAggregateNotFound means no events exist for the given id.
	ErrAggregateNotFound = errors.New("aggregate not found")
)

// Store is an append-only event log, totally ordered and gapless per
// aggregate id. Version numbers are assigned by the store on append, not by
// the caller, so two racing writers cannot both win the same slot.
type Store interface {
	// SaveEvents appends events atomically iff the stream's current
	// version equals expectedVersion; otherwise nothing is persisted and
	// ErrConcurrencyConflict is returned. The returned events carry the
	// store-assigned versions.
	SaveEvents(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion int64, aggregateType string) ([]domain.Event, error)

	// GetEvents returns the full ordered history for the aggregate id.
	// An empty result means the aggregate does not exist.
	GetEvents(ctx context.Context, aggregateID string) ([]domain.Event, error)

	// GetAggregateIDsByType lists every aggregate id of the given type,
	// supporting bulk republish.
	GetAggregateIDsByType(ctx context.Context, aggregateType string) ([]string, error)
}
