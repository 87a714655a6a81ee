package projection

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
	"fleetstream/storage"
)

// DeliveryWriter is the slice of the read-model store the delivery projector
// writes through.
type DeliveryWriter interface {
	UpsertDeliverySummary(ctx context.Context, row storage.DeliverySummaryRow) error
	MergeDeliverySummary(ctx context.Context, patch storage.DeliverySummaryPatch) error
	InsertDeliveryCheckpoint(ctx context.Context, row storage.DeliveryCheckpointRow) error
	UpsertIncident(ctx context.Context, row storage.IncidentRow) error
	ResolveIncident(ctx context.Context, deliveryID, incidentID string, resolvedAt time.Time) error
	AppendAudit(ctx context.Context, entry storage.AuditEntry) error
}

// DeliveryProjector maintains the delivery read model and its audit trail.
type DeliveryProjector struct {
	store  DeliveryWriter
	logger *log.Logger
}

func NewDeliveryProjector(store DeliveryWriter, logger *log.Logger) *DeliveryProjector {
	return &DeliveryProjector{store: store, logger: logger}
}

func (p *DeliveryProjector) Project(ctx context.Context, ev domain.Event) error {
	payload, err := domain.DecodePayload(ev)
	if err != nil {
		return err
	}

	var summary string
	switch e := payload.(type) {
	case domain.DeliveryCreated:
		if err := p.store.UpsertDeliverySummary(ctx, storage.DeliverySummaryRow{
			ID:        ev.AggregateID,
			RouteID:   e.RouteID,
			DriverID:  e.DriverID,
			VehicleID: e.VehicleID,
			Status:    string(domain.DeliveryPickedUp),
			UpdatedAt: ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("delivery created on route %s", e.RouteID)
	case domain.DeliveryStatusUpdated:
		status := string(e.NewStatus)
		if err := p.store.MergeDeliverySummary(ctx, storage.DeliverySummaryPatch{
			ID:        ev.AggregateID,
			Status:    &status,
			UpdatedAt: ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("status changed from %s to %s", e.OldStatus, e.NewStatus)
	case domain.CheckpointReached:
		if err := p.store.InsertDeliveryCheckpoint(ctx, storage.DeliveryCheckpointRow{
			DeliveryID: ev.AggregateID,
			Sequence:   e.Sequence,
			Location:   e.Location,
			ReachedAt:  e.ReachedAt,
		}); err != nil {
			return err
		}
		if err := p.store.MergeDeliverySummary(ctx, storage.DeliverySummaryPatch{
			ID:                ev.AggregateID,
			CurrentCheckpoint: &e.Location,
			UpdatedAt:         ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("reached checkpoint %d at %s", e.Sequence, e.Location)
	case domain.IncidentReported:
		if err := p.store.UpsertIncident(ctx, storage.IncidentRow{
			DeliveryID:  ev.AggregateID,
			IncidentID:  e.IncidentID,
			Kind:        e.Kind,
			Description: e.Description,
			ReportedAt:  e.ReportedAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("incident %s reported: %s", e.IncidentID, e.Kind)
	case domain.IncidentResolved:
		if err := p.store.ResolveIncident(ctx, ev.AggregateID, e.IncidentID, e.ResolvedAt); err != nil {
			return err
		}
		summary = fmt.Sprintf("incident %s resolved", e.IncidentID)
	case domain.ProofOfDeliveryCaptured:
		status := string(domain.DeliveryDelivered)
		if err := p.store.MergeDeliverySummary(ctx, storage.DeliverySummaryPatch{
			ID:     ev.AggregateID,
			Status: &status,
			Proof: &storage.ProofView{
				Signature:  e.Signature,
				Receiver:   e.Receiver,
				CapturedAt: e.CapturedAt,
			},
			UpdatedAt: ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("proof of delivery captured, received by %s", e.Receiver)
	default:
		p.logger.WithFields(log.Fields{
			"type":      ev.Type,
			"aggregate": ev.AggregateID,
		}).Warn("event not applicable to the delivery read model")
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
