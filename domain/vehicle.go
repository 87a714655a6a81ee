package domain

import (
	"fmt"
	"strings"
	"time"
)

type VehicleStatus string

const (
	VehicleAvailable   VehicleStatus = "Available"
	VehicleInUse       VehicleStatus = "InUse"
	VehicleMaintenance VehicleStatus = "Maintenance"
)

func allowedVehicleTransitions(s VehicleStatus) []VehicleStatus {
	switch s {
	case VehicleAvailable:
		return []VehicleStatus{VehicleInUse, VehicleMaintenance}
	case VehicleInUse:
		return []VehicleStatus{VehicleAvailable}
	case VehicleMaintenance:
		return []VehicleStatus{VehicleAvailable}
	default:
		return nil
	}
}

func vehicleTransitionAllowed(from, to VehicleStatus) bool {
	for _, s := range allowedVehicleTransitions(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Vehicle is a fleet asset. Driver assignment is recorded here; the driver's
// own status lives on the Driver aggregate and is coordinated by the command
// handler, not by this type.
type Vehicle struct {
	Root
	registration     string
	vehicleType      string
	status           VehicleStatus
	assignedDriverID string
}

// Vehicle event payloads.
type VehicleRegistered struct {
	Registration string `json:"registration"`
	VehicleType  string `json:"vehicleType"`
}

func (VehicleRegistered) EventType() string { return TypeVehicleRegistered }

type VehicleDriverAssigned struct {
	DriverID   string    `json:"driverId"`
	AssignedAt time.Time `json:"assignedAt"`
}

func (VehicleDriverAssigned) EventType() string { return TypeVehicleDriverAssigned }

type VehicleDriverUnassigned struct {
	DriverID     string    `json:"driverId"`
	UnassignedAt time.Time `json:"unassignedAt"`
}

func (VehicleDriverUnassigned) EventType() string { return TypeVehicleDriverUnassigned }

type VehicleStatusChanged struct {
	OldStatus VehicleStatus `json:"oldStatus"`
	NewStatus VehicleStatus `json:"newStatus"`
	ChangedAt time.Time     `json:"changedAt"`
}

func (VehicleStatusChanged) EventType() string { return TypeVehicleStatusChanged }

// NewVehicle registers a vehicle into the fleet as Available.
func NewVehicle(id, registration, vehicleType string) (*Vehicle, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: vehicle id is required", ErrValidation)
	}
	if strings.TrimSpace(registration) == "" {
		return nil, fmt.Errorf("%w: vehicle registration is required", ErrValidation)
	}
	if strings.TrimSpace(vehicleType) == "" {
		return nil, fmt.Errorf("%w: vehicle type is required", ErrValidation)
	}
	v := &Vehicle{}
	v.bind(id, AggregateVehicle, v)
	if err := v.raise(VehicleRegistered{Registration: registration, VehicleType: vehicleType}); err != nil {
		return nil, err
	}
	return v, nil
}

// EmptyVehicle returns a vehicle ready to be replayed from history.
func EmptyVehicle() *Vehicle {
	v := &Vehicle{}
	v.bind("", AggregateVehicle, v)
	return v
}

func (v *Vehicle) Registration() string     { return v.registration }
func (v *Vehicle) VehicleType() string      { return v.vehicleType }
func (v *Vehicle) Status() VehicleStatus    { return v.status }
func (v *Vehicle) AssignedDriverID() string { return v.assignedDriverID }

// AssignDriver records a new driver on the vehicle, replacing any previous
// assignment. Releasing the previous driver's own aggregate is the command
// handler's job.
func (v *Vehicle) AssignDriver(driverID string) error {
	if strings.TrimSpace(driverID) == "" {
		return fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	if v.status == VehicleMaintenance {
		return fmt.Errorf("%w: vehicle %s is in maintenance", ErrValidation, v.AggregateID())
	}
	if v.assignedDriverID == driverID {
		return fmt.Errorf("%w: driver %s is already assigned to vehicle %s", ErrValidation, driverID, v.AggregateID())
	}
	return v.raise(VehicleDriverAssigned{DriverID: driverID, AssignedAt: time.Now().UTC()})
}

// UnassignDriver releases the current assignment and frees the vehicle.
func (v *Vehicle) UnassignDriver() error {
	if v.assignedDriverID == "" {
		return fmt.Errorf("%w: vehicle %s has no assigned driver", ErrValidation, v.AggregateID())
	}
	return v.raise(VehicleDriverUnassigned{DriverID: v.assignedDriverID, UnassignedAt: time.Now().UTC()})
}

func (v *Vehicle) StartMaintenance() error {
	return v.changeStatus(VehicleMaintenance)
}

func (v *Vehicle) CompleteMaintenance() error {
	if v.status != VehicleMaintenance {
		return fmt.Errorf("%w: vehicle %s is not in maintenance", ErrValidation, v.AggregateID())
	}
	return v.changeStatus(VehicleAvailable)
}

func (v *Vehicle) changeStatus(to VehicleStatus) error {
	if !vehicleTransitionAllowed(v.status, to) {
		return fmt.Errorf("%w: cannot move vehicle from %s to %s", ErrValidation, v.status, to)
	}
	return v.raise(VehicleStatusChanged{OldStatus: v.status, NewStatus: to, ChangedAt: time.Now().UTC()})
}

func (v *Vehicle) apply(p Payload) error {
	switch e := p.(type) {
	case VehicleRegistered:
		v.registration = e.Registration
		v.vehicleType = e.VehicleType
		v.status = VehicleAvailable
	case VehicleDriverAssigned:
		v.assignedDriverID = e.DriverID
		v.status = VehicleInUse
	case VehicleDriverUnassigned:
		v.assignedDriverID = ""
		v.status = VehicleAvailable
	case VehicleStatusChanged:
		v.status = e.NewStatus
	default:
		return fmt.Errorf("%w: %T not applicable to a vehicle", ErrUnknownEventType, p)
	}
	return nil
}
