package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus values form a one-directional lifecycle with a single
// explicit retry path from Failed back to PickedUp.
type DeliveryStatus string

const (
	DeliveryPickedUp       DeliveryStatus = "PickedUp"
	DeliveryInTransit      DeliveryStatus = "InTransit"
	DeliveryOutForDelivery DeliveryStatus = "OutForDelivery"
	DeliveryDelivered      DeliveryStatus = "Delivered"
	DeliveryFailed         DeliveryStatus = "Failed"
)

// allowedDeliveryTransitions is the whitelist of legal status moves.
// Delivered is terminal; Failed may only be retried from the top.
func allowedDeliveryTransitions(s DeliveryStatus) []DeliveryStatus {
	switch s {
	case DeliveryPickedUp:
		return []DeliveryStatus{DeliveryInTransit, DeliveryFailed}
	case DeliveryInTransit:
		return []DeliveryStatus{DeliveryOutForDelivery, DeliveryFailed}
	case DeliveryOutForDelivery:
		return []DeliveryStatus{DeliveryDelivered, DeliveryFailed}
	case DeliveryFailed:
		return []DeliveryStatus{DeliveryPickedUp}
	default:
		return nil
	}
}

func deliveryTransitionAllowed(from, to DeliveryStatus) bool {
	for _, s := range allowedDeliveryTransitions(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Incident is a reported problem on a delivery. An incident is resolved at
// most once.
type Incident struct {
	ID          string
	Kind        string
	Description string
	ReportedAt  time.Time
	Resolved    bool
	ResolvedAt  *time.Time
}

// ProofOfDelivery is captured exactly once, while out for delivery.
type ProofOfDelivery struct {
	Signature  string
	Receiver   string
	CapturedAt time.Time
}

// Delivery tracks a single shipment along a route.
type Delivery struct {
	Root
	routeID           string
	driverID          string
	vehicleID         string
	status            DeliveryStatus
	currentCheckpoint string
	incidents         []Incident
	proof             *ProofOfDelivery
}

// Delivery event payloads.
type DeliveryCreated struct {
	RouteID   string `json:"routeId"`
	DriverID  string `json:"driverId,omitempty"`
	VehicleID string `json:"vehicleId,omitempty"`
}

func (DeliveryCreated) EventType() string { return TypeDeliveryCreated }

type DeliveryStatusUpdated struct {
	OldStatus DeliveryStatus `json:"oldStatus"`
	NewStatus DeliveryStatus `json:"newStatus"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (DeliveryStatusUpdated) EventType() string { return TypeDeliveryStatusUpdated }

type CheckpointReached struct {
	RouteID   string    `json:"routeId"`
	Sequence  int       `json:"sequence"`
	Location  string    `json:"location"`
	ReachedAt time.Time `json:"reachedAt"`
}

func (CheckpointReached) EventType() string { return TypeCheckpointReached }

type IncidentReported struct {
	IncidentID  string    `json:"incidentId"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	ReportedAt  time.Time `json:"reportedAt"`
}

func (IncidentReported) EventType() string { return TypeIncidentReported }

type IncidentResolved struct {
	IncidentID string    `json:"incidentId"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

func (IncidentResolved) EventType() string { return TypeIncidentResolved }

type ProofOfDeliveryCaptured struct {
	Signature  string    `json:"signature"`
	Receiver   string    `json:"receiver"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (ProofOfDeliveryCaptured) EventType() string { return TypeProofOfDeliveryCaptured }

// NewDelivery starts tracking a shipment. A fresh delivery is PickedUp.
func NewDelivery(id, routeID, driverID, vehicleID string) (*Delivery, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: delivery id is required", ErrValidation)
	}
	if strings.TrimSpace(routeID) == "" {
		return nil, fmt.Errorf("%w: route id is required", ErrValidation)
	}
	d := &Delivery{}
	d.bind(id, AggregateDelivery, d)
	if err := d.raise(DeliveryCreated{RouteID: routeID, DriverID: driverID, VehicleID: vehicleID}); err != nil {
		return nil, err
	}
	return d, nil
}

// EmptyDelivery returns a delivery ready to be replayed from history.
func EmptyDelivery() *Delivery {
	d := &Delivery{}
	d.bind("", AggregateDelivery, d)
	return d
}

func (d *Delivery) RouteID() string           { return d.routeID }
func (d *Delivery) DriverID() string          { return d.driverID }
func (d *Delivery) VehicleID() string         { return d.vehicleID }
func (d *Delivery) Status() DeliveryStatus    { return d.status }
func (d *Delivery) CurrentCheckpoint() string { return d.currentCheckpoint }

func (d *Delivery) Proof() *ProofOfDelivery {
	if d.proof == nil {
		return nil
	}
	p := *d.proof
	return &p
}

func (d *Delivery) Incidents() []Incident {
	out := make([]Incident, len(d.incidents))
	copy(out, d.incidents)
	return out
}

// UpdateStatus moves the delivery along the lifecycle. oldStatus must match
// the actual current status, guarding against stale clients.
func (d *Delivery) UpdateStatus(oldStatus, newStatus DeliveryStatus) error {
	if d.status != oldStatus {
		return fmt.Errorf("%w: delivery %s is %s, not %s", ErrValidation, d.AggregateID(), d.status, oldStatus)
	}
	if newStatus == oldStatus {
		return fmt.Errorf("%w: delivery %s is already %s", ErrValidation, d.AggregateID(), newStatus)
	}
	if !deliveryTransitionAllowed(d.status, newStatus) {
		return fmt.Errorf("%w: cannot move delivery from %s to %s", ErrValidation, d.status, newStatus)
	}
	return d.raise(DeliveryStatusUpdated{
		OldStatus: d.status,
		NewStatus: newStatus,
		UpdatedAt: time.Now().UTC(),
	})
}

// ReachCheckpoint records the last location the shipment passed through.
func (d *Delivery) ReachCheckpoint(sequence int, location string) error {
	if sequence <= 0 {
		return fmt.Errorf("%w: checkpoint sequence must be positive", ErrValidation)
	}
	if strings.TrimSpace(location) == "" {
		return fmt.Errorf("%w: checkpoint location is required", ErrValidation)
	}
	return d.raise(CheckpointReached{
		RouteID:   d.routeID,
		Sequence:  sequence,
		Location:  location,
		ReachedAt: time.Now().UTC(),
	})
}

func (d *Delivery) ReportIncident(incidentID, kind, description string) error {
	if strings.TrimSpace(incidentID) == "" {
		return fmt.Errorf("%w: incident id is required", ErrValidation)
	}
	if strings.TrimSpace(kind) == "" {
		return fmt.Errorf("%w: incident kind is required", ErrValidation)
	}
	for _, in := range d.incidents {
		if in.ID == incidentID {
			return fmt.Errorf("%w: incident %s already reported", ErrValidation, incidentID)
		}
	}
	return d.raise(IncidentReported{
		IncidentID:  incidentID,
		Kind:        kind,
		Description: description,
		ReportedAt:  time.Now().UTC(),
	})
}

func (d *Delivery) ResolveIncident(incidentID string) error {
	var found *Incident
	for i := range d.incidents {
		if d.incidents[i].ID == incidentID {
			found = &d.incidents[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("%w: unknown incident %s", ErrValidation, incidentID)
	}
	if found.Resolved {
		return fmt.Errorf("%w: incident %s is already resolved", ErrValidation, incidentID)
	}
	return d.raise(IncidentResolved{IncidentID: incidentID, ResolvedAt: time.Now().UTC()})
}

// CaptureProofOfDelivery records the hand-over and completes the delivery.
// This is a narrower transition than UpdateStatus: it is only legal while out
// for delivery and its apply routine moves the status to Delivered directly.
func (d *Delivery) CaptureProofOfDelivery(signature, receiver string) error {
	if d.status != DeliveryOutForDelivery {
		return fmt.Errorf("%w: proof of delivery requires status %s, delivery is %s", ErrValidation, DeliveryOutForDelivery, d.status)
	}
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: signature is required", ErrValidation)
	}
	if strings.TrimSpace(receiver) == "" {
		return fmt.Errorf("%w: receiver is required", ErrValidation)
	}
	return d.raise(ProofOfDeliveryCaptured{
		Signature:  signature,
		Receiver:   receiver,
		CapturedAt: time.Now().UTC(),
	})
}

func (d *Delivery) apply(p Payload) error {
	switch e := p.(type) {
	case DeliveryCreated:
		d.routeID = e.RouteID
		d.driverID = e.DriverID
		d.vehicleID = e.VehicleID
		d.status = DeliveryPickedUp
	case DeliveryStatusUpdated:
		d.status = e.NewStatus
	case CheckpointReached:
		d.currentCheckpoint = e.Location
	case IncidentReported:
		d.incidents = append(d.incidents, Incident{
			ID:          e.IncidentID,
			Kind:        e.Kind,
			Description: e.Description,
			ReportedAt:  e.ReportedAt,
		})
	case IncidentResolved:
		for i := range d.incidents {
			if d.incidents[i].ID == e.IncidentID {
				at := e.ResolvedAt
				d.incidents[i].Resolved = true
				d.incidents[i].ResolvedAt = &at
				break
			}
		}
	case ProofOfDeliveryCaptured:
		d.proof = &ProofOfDelivery{Signature: e.Signature, Receiver: e.Receiver, CapturedAt: e.CapturedAt}
		d.status = DeliveryDelivered
	default:
		return fmt.Errorf("%w: %T not applicable to a delivery", ErrUnknownEventType, p)
	}
	return nil
}
