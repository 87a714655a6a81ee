package domain

import (
	"errors"
	"testing"
)

func TestVehicleAssignment(t *testing.T) {
	v, err := NewVehicle("v1", "AB 12345", "van")
	if err != nil {
		t.Fatalf("NewVehicle: %v", err)
	}
	if v.Status() != VehicleAvailable {
		t.Fatalf("status = %s, want %s", v.Status(), VehicleAvailable)
	}
	if err := v.AssignDriver("drv1"); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}
	if v.Status() != VehicleInUse || v.AssignedDriverID() != "drv1" {
		t.Fatalf("status = %s, driver = %s", v.Status(), v.AssignedDriverID())
	}
	if err := v.AssignDriver("drv1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("re-assign same driver: err = %v, want validation error", err)
	}
	// Replacing the driver directly is allowed; the command handler releases
	// the previous one.
	if err := v.AssignDriver("drv2"); err != nil {
		t.Fatalf("replace driver: %v", err)
	}
	if err := v.UnassignDriver(); err != nil {
		t.Fatalf("UnassignDriver: %v", err)
	}
	if v.Status() != VehicleAvailable || v.AssignedDriverID() != "" {
		t.Fatalf("status = %s, driver = %q", v.Status(), v.AssignedDriverID())
	}
	if err := v.UnassignDriver(); !errors.Is(err, ErrValidation) {
		t.Fatalf("unassign empty: err = %v, want validation error", err)
	}
}

func TestVehicleMaintenance(t *testing.T) {
	v, err := NewVehicle("v1", "AB 12345", "truck")
	if err != nil {
		t.Fatalf("NewVehicle: %v", err)
	}
	if err := v.StartMaintenance(); err != nil {
		t.Fatalf("StartMaintenance: %v", err)
	}
	if err := v.AssignDriver("drv1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("assign during maintenance: err = %v, want validation error", err)
	}
	if err := v.StartMaintenance(); !errors.Is(err, ErrValidation) {
		t.Fatalf("double start: err = %v, want validation error", err)
	}
	if err := v.CompleteMaintenance(); err != nil {
		t.Fatalf("CompleteMaintenance: %v", err)
	}
	if v.Status() != VehicleAvailable {
		t.Fatalf("status = %s, want %s", v.Status(), VehicleAvailable)
	}
	if err := v.CompleteMaintenance(); !errors.Is(err, ErrValidation) {
		t.Fatalf("complete when not in maintenance: err = %v, want validation error", err)
	}
}

func TestDriverDutyCycle(t *testing.T) {
	d, err := NewDriver("drv1", "Kari Nordmann", "C1-998877")
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if d.Status() != DriverAvailable {
		t.Fatalf("status = %s, want %s", d.Status(), DriverAvailable)
	}
	if err := d.StartDuty(); !errors.Is(err, ErrValidation) {
		t.Fatalf("duty before assignment: err = %v, want validation error", err)
	}
	if err := d.MarkAssigned(); err != nil {
		t.Fatalf("MarkAssigned: %v", err)
	}
	if err := d.MarkAssigned(); !errors.Is(err, ErrValidation) {
		t.Fatalf("double assign: err = %v, want validation error", err)
	}
	if err := d.StartDuty(); err != nil {
		t.Fatalf("StartDuty: %v", err)
	}
	if err := d.EndDuty(); err != nil {
		t.Fatalf("EndDuty: %v", err)
	}
	if d.Status() != DriverOffDuty {
		t.Fatalf("status = %s, want %s", d.Status(), DriverOffDuty)
	}
	if err := d.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := d.Release(); !errors.Is(err, ErrValidation) {
		t.Fatalf("release available driver: err = %v, want validation error", err)
	}
}
