// Package projection consumes domain events and maintains the query side:
// denormalized table rows, the audit trail, the redis cache and change
// notifications for subscribers.
package projection

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
)

// Projector applies one event to the read model. Applying the same event
// twice must leave the same rows, because the bus delivers at-least-once.
type Projector interface {
	Project(ctx context.Context, ev domain.Event) error
}

type refresher interface {
	Refresh(ctx context.Context, aggregateType, id string)
}

// Processor wraps a projector with the side effects that follow a successful
// apply: refreshing the cached view and notifying subscribers over redis
// pub/sub. It is the handler plugged into a bus consumer.
type Processor struct {
	projector Projector
	cache     refresher
	redis     *redis.Client
	channel   string
	logger    *log.Logger
}

func NewProcessor(projector Projector, cache refresher, rc *redis.Client, channel string, logger *log.Logger) *Processor {
	return &Processor{
		projector: projector,
		cache:     cache,
		redis:     rc,
		channel:   channel,
		logger:    logger,
	}
}

func (p *Processor) HandleEvent(ctx context.Context, ev domain.Event) error {
	if err := p.projector.Project(ctx, ev); err != nil {
		// Unknown event types come from newer producers; skipping keeps an
		// older projector alive through a rolling upgrade.
		if errors.Is(err, domain.ErrUnknownEventType) {
			p.logger.WithFields(log.Fields{
				"type":      ev.Type,
				"aggregate": ev.AggregateID,
			}).Warn("skipping unknown event type")
			return nil
		}
		return err
	}
	if p.cache != nil {
		p.cache.Refresh(ctx, ev.AggregateType, ev.AggregateID)
	}
	if p.redis != nil && p.channel != "" {
		payload, err := sonic.Marshal(ev)
		if err == nil {
			err = p.redis.Publish(ctx, p.channel, payload).Err()
		}
		if err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"channel":   p.channel,
				"type":      ev.Type,
				"aggregate": ev.AggregateID,
			}).Error("failed to publish change notification")
		}
	}
	return nil
}
