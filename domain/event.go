package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Aggregate type discriminators. They double as the type names recorded in
// the event log for bulk republishing.
const (
	AggregateDelivery = "delivery"
	AggregateRoute    = "route"
	AggregateVehicle  = "vehicle"
	AggregateDriver   = "driver"
)

// Event type discriminators.
const (
	TypeDeliveryCreated         = "delivery-created"
	TypeDeliveryStatusUpdated   = "delivery-status-updated"
	TypeCheckpointReached       = "delivery-checkpoint-reached"
	TypeIncidentReported        = "delivery-incident-reported"
	TypeIncidentResolved        = "delivery-incident-resolved"
	TypeProofOfDeliveryCaptured = "delivery-proof-captured"

	TypeRouteCreated              = "route-created"
	TypeRouteCheckpointAdded      = "route-checkpoint-added"
	TypeRouteCheckpointUpdated    = "route-checkpoint-updated"
	TypeRouteScheduleRecalculated = "route-schedule-recalculated"
	TypeRoutePlanned              = "route-planned"
	TypeRouteActivated            = "route-activated"
	TypeRouteDeactivated          = "route-deactivated"

	TypeVehicleRegistered       = "vehicle-registered"
	TypeVehicleDriverAssigned   = "vehicle-driver-assigned"
	TypeVehicleDriverUnassigned = "vehicle-driver-unassigned"
	TypeVehicleStatusChanged    = "vehicle-status-changed"

	TypeDriverRegistered    = "driver-registered"
	TypeDriverStatusChanged = "driver-status-changed"
)

var (
	// ErrValidation marks a domain rule rejection. Callers map it to a
	// client error, never a retry.
	ErrValidation = errors.New("domain validation failed")
	// ErrUnknownEventType is returned when an envelope carries a type
	// discriminator no decoder exists for.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Event is the envelope persisted in the event log and shipped on the bus.
// Version is 1-based and assigned by the event store on append; the log for
// an aggregate id is gapless and totally ordered by it.
type Event struct {
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Version       int64           `json:"version"`
	Type          string          `json:"type"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() string
}

// NewEvent seals a payload into an envelope stamped with the current UTC time.
func NewEvent(aggregateID, aggregateType string, version int64, p Payload) (Event, error) {
	data, err := sonic.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		Type:          p.EventType(),
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}, nil
}

// DecodePayload turns an envelope back into its typed payload using the type
// discriminator. Consumers treat ErrUnknownEventType as "ignore, do not crash".
func DecodePayload(ev Event) (Payload, error) {
	switch ev.Type {
	case TypeDeliveryCreated:
		return decodeAs[DeliveryCreated](ev)
	case TypeDeliveryStatusUpdated:
		return decodeAs[DeliveryStatusUpdated](ev)
	case TypeCheckpointReached:
		return decodeAs[CheckpointReached](ev)
	case TypeIncidentReported:
		return decodeAs[IncidentReported](ev)
	case TypeIncidentResolved:
		return decodeAs[IncidentResolved](ev)
	case TypeProofOfDeliveryCaptured:
		return decodeAs[ProofOfDeliveryCaptured](ev)
	case TypeRouteCreated:
		return decodeAs[RouteCreated](ev)
	case TypeRouteCheckpointAdded:
		return decodeAs[RouteCheckpointAdded](ev)
	case TypeRouteCheckpointUpdated:
		return decodeAs[RouteCheckpointUpdated](ev)
	case TypeRouteScheduleRecalculated:
		return decodeAs[RouteScheduleRecalculated](ev)
	case TypeRoutePlanned:
		return decodeAs[RoutePlannedEvent](ev)
	case TypeRouteActivated:
		return decodeAs[RouteActivated](ev)
	case TypeRouteDeactivated:
		return decodeAs[RouteDeactivatedEvent](ev)
	case TypeVehicleRegistered:
		return decodeAs[VehicleRegistered](ev)
	case TypeVehicleDriverAssigned:
		return decodeAs[VehicleDriverAssigned](ev)
	case TypeVehicleDriverUnassigned:
		return decodeAs[VehicleDriverUnassigned](ev)
	case TypeVehicleStatusChanged:
		return decodeAs[VehicleStatusChanged](ev)
	case TypeDriverRegistered:
		return decodeAs[DriverRegistered](ev)
	case TypeDriverStatusChanged:
		return decodeAs[DriverStatusChanged](ev)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

func decodeAs[T Payload](ev Event) (Payload, error) {
	var p T
	if len(ev.Data) > 0 {
		if err := sonic.Unmarshal(ev.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
	}
	return p, nil
}
