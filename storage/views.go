package storage

import "time"

// Views are the query-side shapes served by the API and kept in the cache.
// They are denormalized from the read-model tables, not from the event log.

type DeliveryCheckpointView struct {
	Sequence  int       `json:"sequence"`
	Location  string    `json:"location"`
	ReachedAt time.Time `json:"reachedAt"`
}

type IncidentView struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Description string     `json:"description,omitempty"`
	ReportedAt  time.Time  `json:"reportedAt"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

type ProofView struct {
	Signature  string    `json:"signature"`
	Receiver   string    `json:"receiver"`
	CapturedAt time.Time `json:"capturedAt"`
}

type DeliveryView struct {
	ID                string                   `json:"id"`
	RouteID           string                   `json:"routeId"`
	DriverID          string                   `json:"driverId,omitempty"`
	VehicleID         string                   `json:"vehicleId,omitempty"`
	Status            string                   `json:"status"`
	CurrentCheckpoint string                   `json:"currentCheckpoint,omitempty"`
	UpdatedAt         time.Time                `json:"updatedAt"`
	Proof             *ProofView               `json:"proof,omitempty"`
	Checkpoints       []DeliveryCheckpointView `json:"checkpoints"`
	Incidents         []IncidentView           `json:"incidents"`
}

type RouteCheckpointView struct {
	Sequence     int       `json:"sequence"`
	Location     string    `json:"location"`
	ExpectedTime time.Time `json:"expectedTime"`
}

type RouteView struct {
	ID             string                `json:"id"`
	Origin         string                `json:"origin"`
	Destination    string                `json:"destination"`
	Status         string                `json:"status"`
	ScheduledStart time.Time             `json:"scheduledStart"`
	ScheduledEnd   *time.Time            `json:"scheduledEnd,omitempty"`
	UpdatedAt      time.Time             `json:"updatedAt"`
	Checkpoints    []RouteCheckpointView `json:"checkpoints"`
}

type VehicleView struct {
	ID               string    `json:"id"`
	Registration     string    `json:"registration"`
	VehicleType      string    `json:"vehicleType"`
	Status           string    `json:"status"`
	AssignedDriverID string    `json:"assignedDriverId,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type DriverView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	License   string    `json:"license"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuditEntry is one line of the per-aggregate audit trail, keyed by event
// version so replays cannot duplicate it.
type AuditEntry struct {
	AggregateID   string    `json:"aggregateId"`
	AggregateType string    `json:"aggregateType"`
	Version       int64     `json:"version"`
	EventType     string    `json:"eventType"`
	Summary       string    `json:"summary"`
	OccurredAt    time.Time `json:"occurredAt"`
}
