package projection

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
	"fleetstream/storage"
)

type FleetWriter interface {
	UpsertVehicle(ctx context.Context, row storage.VehicleRow) error
	MergeVehicle(ctx context.Context, patch storage.VehiclePatch) error
	UpsertDriver(ctx context.Context, row storage.DriverRow) error
	MergeDriver(ctx context.Context, patch storage.DriverPatch) error
	AppendAudit(ctx context.Context, entry storage.AuditEntry) error
}

// FleetProjector maintains the vehicle and driver read models, which share
// one topic and one table.
type FleetProjector struct {
	store  FleetWriter
	logger *log.Logger
}

func NewFleetProjector(store FleetWriter, logger *log.Logger) *FleetProjector {
	return &FleetProjector{store: store, logger: logger}
}

func (p *FleetProjector) Project(ctx context.Context, ev domain.Event) error {
	payload, err := domain.DecodePayload(ev)
	if err != nil {
		return err
	}

	var summary string
	switch e := payload.(type) {
	case domain.VehicleRegistered:
		if err := p.store.UpsertVehicle(ctx, storage.VehicleRow{
			ID:           ev.AggregateID,
			Registration: e.Registration,
			VehicleType:  e.VehicleType,
			Status:       string(domain.VehicleAvailable),
			UpdatedAt:    ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("vehicle %s registered", e.Registration)
	case domain.VehicleDriverAssigned:
		status := string(domain.VehicleInUse)
		if err := p.store.MergeVehicle(ctx, storage.VehiclePatch{
			ID:               ev.AggregateID,
			Status:           &status,
			AssignedDriverID: &e.DriverID,
			UpdatedAt:        ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("driver %s assigned", e.DriverID)
	case domain.VehicleDriverUnassigned:
		status := string(domain.VehicleAvailable)
		empty := ""
		if err := p.store.MergeVehicle(ctx, storage.VehiclePatch{
			ID:               ev.AggregateID,
			Status:           &status,
			AssignedDriverID: &empty,
			UpdatedAt:        ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("driver %s unassigned", e.DriverID)
	case domain.VehicleStatusChanged:
		status := string(e.NewStatus)
		if err := p.store.MergeVehicle(ctx, storage.VehiclePatch{
			ID:        ev.AggregateID,
			Status:    &status,
			UpdatedAt: ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("vehicle status changed from %s to %s", e.OldStatus, e.NewStatus)
	case domain.DriverRegistered:
		if err := p.store.UpsertDriver(ctx, storage.DriverRow{
			ID:        ev.AggregateID,
			Name:      e.Name,
			License:   e.License,
			Status:    string(domain.DriverAvailable),
			UpdatedAt: ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("driver %s registered", e.Name)
	case domain.DriverStatusChanged:
		status := string(e.NewStatus)
		if err := p.store.MergeDriver(ctx, storage.DriverPatch{
			ID:        ev.AggregateID,
			Status:    &status,
			UpdatedAt: ev.OccurredAt,
		}); err != nil {
			return err
		}
		summary = fmt.Sprintf("driver status changed from %s to %s", e.OldStatus, e.NewStatus)
	default:
		p.logger.WithFields(log.Fields{
			"type":      ev.Type,
			"aggregate": ev.AggregateID,
		}).Warn("event not applicable to the fleet read model")
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
