// Package sourcing orchestrates persistence and publication for one
// aggregate type: Save appends then publishes, GetByID loads and replays,
// Republish backfills the bus from the log.
package sourcing

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
	"fleetstream/eventbus"
	"fleetstream/eventstore"
)

// Handler is generic over the concrete aggregate so command handlers get
// typed aggregates back without casting.
type Handler[T domain.Aggregate] struct {
	store         eventstore.Store
	producer      eventbus.Producer
	topic         string
	aggregateType string
	newEmpty      func() T
	logger        *log.Logger
}

func NewHandler[T domain.Aggregate](
	store eventstore.Store,
	producer eventbus.Producer,
	topic string,
	aggregateType string,
	newEmpty func() T,
	logger *log.Logger,
) *Handler[T] {
	return &Handler[T]{
		store:         store,
		producer:      producer,
		topic:         topic,
		aggregateType: aggregateType,
		newEmpty:      newEmpty,
		logger:        logger,
	}
}

// Save appends the aggregate's uncommitted events at its pre-command version
// and publishes each saved event. Once the append succeeds the events are
// durable; a publish failure is surfaced but the bus can be caught up with
// Republish.
func (h *Handler[T]) Save(ctx context.Context, agg T) error {
	changes := agg.UncommittedEvents()
	if len(changes) == 0 {
		return nil
	}
	saved, err := h.store.SaveEvents(ctx, agg.AggregateID(), changes, agg.CommittedVersion(), h.aggregateType)
	if err != nil {
		return fmt.Errorf("save %s %s: %w", h.aggregateType, agg.AggregateID(), err)
	}
	agg.MarkEventsCommitted()

	for _, ev := range saved {
		if err := h.producer.Publish(ctx, h.topic, ev); err != nil {
			h.logger.WithError(err).WithFields(log.Fields{
				"topic":     h.topic,
				"type":      ev.Type,
				"aggregate": ev.AggregateID,
				"version":   ev.Version,
			}).Error("publish after save failed, log is ahead of the bus")
			return fmt.Errorf("publish %s for %s: %w", ev.Type, ev.AggregateID, err)
		}
	}
	return nil
}

// GetByID loads the full history and replays it into a fresh aggregate.
func (h *Handler[T]) GetByID(ctx context.Context, id string) (T, error) {
	var zero T
	events, err := h.store.GetEvents(ctx, id)
	if err != nil {
		return zero, fmt.Errorf("load %s %s: %w", h.aggregateType, id, err)
	}
	if len(events) == 0 {
		return zero, fmt.Errorf("%s %s: %w", h.aggregateType, id, eventstore.ErrAggregateNotFound)
	}
	agg := h.newEmpty()
	if err := agg.Replay(events); err != nil {
		return zero, fmt.Errorf("rebuild %s %s: %w", h.aggregateType, id, err)
	}
	return agg, nil
}

// Republish pushes every stored event of this aggregate type back onto the
// bus, e.g. to seed a newly added consumer. The log itself is untouched.
func (h *Handler[T]) Republish(ctx context.Context) (int, error) {
	ids, err := h.store.GetAggregateIDsByType(ctx, h.aggregateType)
	if err != nil {
		return 0, fmt.Errorf("list %s aggregates: %w", h.aggregateType, err)
	}
	published := 0
	for _, id := range ids {
		events, err := h.store.GetEvents(ctx, id)
		if err != nil {
			return published, fmt.Errorf("load %s %s: %w", h.aggregateType, id, err)
		}
		for _, ev := range events {
			if err := h.producer.Publish(ctx, h.topic, ev); err != nil {
				return published, fmt.Errorf("republish %s for %s: %w", ev.Type, id, err)
			}
			published++
		}
	}
	h.logger.WithFields(log.Fields{
		"aggregateType": h.aggregateType,
		"events":        published,
	}).Info("republished events")
	return published, nil
}
