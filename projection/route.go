package projection

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
	"fleetstream/storage"
)

type RouteWriter interface {
	UpsertRouteSummary(ctx context.Context, row storage.RouteSummaryRow) error
	MergeRouteSummary(ctx context.Context, patch storage.RouteSummaryPatch) error
	UpsertRouteCheckpoint(ctx context.Context, row storage.RouteCheckpointRow) error
	AppendAudit(ctx context.Context, entry storage.AuditEntry) error
}

// RouteProjector maintains the route read model and its audit trail.
type RouteProjector struct {
	store  RouteWriter
	logger *log.Logger
}

func NewRouteProjector(store RouteWriter, logger *log.Logger) *RouteProjector {
	return &RouteProjector{store: store, logger: logger}
}

func (p *RouteProjector) Project(ctx context.Context, ev domain.Event) error {
	payload, err := domain.DecodePayload(ev)
	if err != nil {
		return err
	}

	var summary string
	switch e := payload.(type) {
	case domain.RouteCreated:
		if err := p.store.UpsertRouteSummary(ctx, storage.RouteSummaryRow{
			ID:             ev.AggregateID,
			Origin:         e.Origin,
			Destination:    e.Destination,
			Status:         string(domain.RoutePlanning),
			ScheduledStart: e.ScheduledStart,
			UpdatedAt:      ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("route created from %s to %s", e.Origin, e.Destination)
	case domain.RouteCheckpointAdded:
		if err := p.upsertCheckpoint(ctx, ev.AggregateID, e.Sequence, e.Location, e.ExpectedTime, ev.OccurredAt); err != nil {
			return err
		}
		summary = fmt.Sprintf("checkpoint %d added at %s", e.Sequence, e.Location)
	case domain.RouteCheckpointUpdated:
		if err := p.upsertCheckpoint(ctx, ev.AggregateID, e.Sequence, e.Location, e.ExpectedTime, ev.OccurredAt); err != nil {
			return err
		}
		summary = fmt.Sprintf("checkpoint %d updated, now at %s", e.Sequence, e.Location)
	case domain.RouteScheduleRecalculated:
		end := e.ScheduledEnd
		if err := p.store.MergeRouteSummary(ctx, storage.RouteSummaryPatch{
			ID:           ev.AggregateID,
			ScheduledEnd: &end,
			UpdatedAt:    ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("scheduled end moved to %s", e.ScheduledEnd.Format(time.RFC3339))
	case domain.RoutePlannedEvent:
		if err := p.mergeStatus(ctx, ev.AggregateID, domain.RoutePlanned, ev.OccurredAt); err != nil {
			return err
		}
		summary = "route planning completed"
	case domain.RouteActivated:
		if err := p.mergeStatus(ctx, ev.AggregateID, domain.RouteActive, ev.OccurredAt); err != nil {
			return err
		}
		summary = "route activated"
	case domain.RouteDeactivatedEvent:
		if err := p.mergeStatus(ctx, ev.AggregateID, domain.RouteDeactivated, ev.OccurredAt); err != nil {
			return err
		}
		summary = "route deactivated"
		if e.Reason != "" {
			summary = "route deactivated: " + e.Reason
		}
	default:
		p.logger.WithFields(log.Fields{
			"type":      ev.Type,
			"aggregate": ev.AggregateID,
		}).Warn("event not applicable to the route read model")
		return nil
	}

	return p.store.AppendAudit(ctx, storage.AuditEntry{
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		Version:       ev.Version,
		EventType:     ev.Type,
		Summary:       summary,
		OccurredAt:    ev.OccurredAt,
	})
}

func (p *RouteProjector) upsertCheckpoint(ctx context.Context, routeID string, sequence int, location string, expected, at time.Time) error {
	if err := p.store.UpsertRouteCheckpoint(ctx, storage.RouteCheckpointRow{
		RouteID:      routeID,
		Sequence:     sequence,
		Location:     location,
		ExpectedTime: expected,
	}); err != nil {
		return err
	}
	return p.store.MergeRouteSummary(ctx, storage.RouteSummaryPatch{ID: routeID, UpdatedAt: at})
}

func (p *RouteProjector) mergeStatus(ctx context.Context, routeID string, status domain.RouteStatus, at time.Time) error {
	s := string(status)
	return p.store.MergeRouteSummary(ctx, storage.RouteSummaryPatch{ID: routeID, Status: &s, UpdatedAt: at})
}
