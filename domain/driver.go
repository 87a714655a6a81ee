package domain

import (
	"fmt"
	"strings"
	"time"
)

type DriverStatus string

const (
	DriverAvailable DriverStatus = "Available"
	DriverAssigned  DriverStatus = "Assigned"
	DriverOnDuty    DriverStatus = "OnDuty"
	DriverOffDuty   DriverStatus = "OffDuty"
)

func allowedDriverTransitions(s DriverStatus) []DriverStatus {
	switch s {
	case DriverAvailable:
		return []DriverStatus{DriverAssigned}
	case DriverAssigned:
		return []DriverStatus{DriverOnDuty, DriverAvailable}
	case DriverOnDuty:
		return []DriverStatus{DriverOffDuty, DriverAvailable}
	case DriverOffDuty:
		return []DriverStatus{DriverAvailable}
	default:
		return nil
	}
}

func driverTransitionAllowed(from, to DriverStatus) bool {
	for _, s := range allowedDriverTransitions(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Driver is a fleet employee moving through an availability/duty cycle.
type Driver struct {
	Root
	name    string
	license string
	status  DriverStatus
}

// Driver event payloads.
type DriverRegistered struct {
	Name    string `json:"name"`
	License string `json:"license"`
}

func (DriverRegistered) EventType() string { return TypeDriverRegistered }

type DriverStatusChanged struct {
	OldStatus DriverStatus `json:"oldStatus"`
	NewStatus DriverStatus `json:"newStatus"`
	ChangedAt time.Time    `json:"changedAt"`
}

func (DriverStatusChanged) EventType() string { return TypeDriverStatusChanged }

// NewDriver registers a driver as Available.
func NewDriver(id, name, license string) (*Driver, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: driver name is required", ErrValidation)
	}
	if strings.TrimSpace(license) == "" {
		return nil, fmt.Errorf("%w: driver license is required", ErrValidation)
	}
	d := &Driver{}
	d.bind(id, AggregateDriver, d)
	if err := d.raise(DriverRegistered{Name: name, License: license}); err != nil {
		return nil, err
	}
	return d, nil
}

// EmptyDriver returns a driver ready to be replayed from history.
func EmptyDriver() *Driver {
	d := &Driver{}
	d.bind("", AggregateDriver, d)
	return d
}

func (d *Driver) Name() string         { return d.name }
func (d *Driver) License() string      { return d.license }
func (d *Driver) Status() DriverStatus { return d.status }

// MarkAssigned ties the driver to a vehicle. Only an Available driver may be
// assigned.
func (d *Driver) MarkAssigned() error {
	if d.status != DriverAvailable {
		return fmt.Errorf("%w: driver %s is %s, only an %s driver can be assigned", ErrValidation,
			d.AggregateID(), d.status, DriverAvailable)
	}
	return d.changeStatus(DriverAssigned)
}

// Release returns the driver to the Available pool, e.g. when the vehicle is
// reassigned to someone else.
func (d *Driver) Release() error {
	if d.status == DriverAvailable {
		return fmt.Errorf("%w: driver %s is already %s", ErrValidation, d.AggregateID(), DriverAvailable)
	}
	return d.changeStatus(DriverAvailable)
}

func (d *Driver) StartDuty() error {
	return d.changeStatus(DriverOnDuty)
}

func (d *Driver) EndDuty() error {
	return d.changeStatus(DriverOffDuty)
}

func (d *Driver) changeStatus(to DriverStatus) error {
	if !driverTransitionAllowed(d.status, to) {
		return fmt.Errorf("%w: cannot move driver from %s to %s", ErrValidation, d.status, to)
	}
	return d.raise(DriverStatusChanged{OldStatus: d.status, NewStatus: to, ChangedAt: time.Now().UTC()})
}

func (d *Driver) apply(p Payload) error {
	switch e := p.(type) {
	case DriverRegistered:
		d.name = e.Name
		d.license = e.License
		d.status = DriverAvailable
	case DriverStatusChanged:
		d.status = e.NewStatus
	default:
		return fmt.Errorf("%w: %T not applicable to a driver", ErrUnknownEventType, p)
	}
	return nil
}
