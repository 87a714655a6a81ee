package domain

import (
	"errors"
	"testing"
)

func TestNewDeliveryStartsPickedUp(t *testing.T) {
	d, err := NewDelivery("d1", "r1", "drv1", "v1")
	if err != nil {
		t.Fatalf("NewDelivery: %v", err)
	}
	if d.Status() != DeliveryPickedUp {
		t.Fatalf("status = %s, want %s", d.Status(), DeliveryPickedUp)
	}
	if d.Version() != 1 || d.CommittedVersion() != 0 {
		t.Fatalf("version = %d, committed = %d", d.Version(), d.CommittedVersion())
	}
	if len(d.UncommittedEvents()) != 1 {
		t.Fatalf("uncommitted = %d, want 1", len(d.UncommittedEvents()))
	}
}

func TestNewDeliveryRequiresRoute(t *testing.T) {
	if _, err := NewDelivery("d1", "", "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestDeliveryStatusTransitions(t *testing.T) {
	cases := []struct {
		from    DeliveryStatus
		to      DeliveryStatus
		allowed bool
	}{
		{DeliveryPickedUp, DeliveryInTransit, true},
		{DeliveryPickedUp, DeliveryFailed, true},
		{DeliveryPickedUp, DeliveryOutForDelivery, false},
		{DeliveryPickedUp, DeliveryDelivered, false},
		{DeliveryInTransit, DeliveryOutForDelivery, true},
		{DeliveryInTransit, DeliveryFailed, true},
		{DeliveryInTransit, DeliveryPickedUp, false},
		{DeliveryInTransit, DeliveryDelivered, false},
		{DeliveryOutForDelivery, DeliveryDelivered, true},
		{DeliveryOutForDelivery, DeliveryFailed, true},
		{DeliveryOutForDelivery, DeliveryInTransit, false},
		{DeliveryDelivered, DeliveryPickedUp, false},
		{DeliveryDelivered, DeliveryFailed, false},
		{DeliveryDelivered, DeliveryInTransit, false},
		{DeliveryFailed, DeliveryPickedUp, true},
		{DeliveryFailed, DeliveryInTransit, false},
		{DeliveryFailed, DeliveryDelivered, false},
	}
	for _, tc := range cases {
		if got := deliveryTransitionAllowed(tc.from, tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: allowed = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func deliveryAt(t *testing.T, status DeliveryStatus) *Delivery {
	t.Helper()
	d, err := NewDelivery("d1", "r1", "drv1", "v1")
	if err != nil {
		t.Fatalf("NewDelivery: %v", err)
	}
	path := map[DeliveryStatus][]DeliveryStatus{
		DeliveryPickedUp:       {},
		DeliveryInTransit:      {DeliveryInTransit},
		DeliveryOutForDelivery: {DeliveryInTransit, DeliveryOutForDelivery},
		DeliveryDelivered:      {DeliveryInTransit, DeliveryOutForDelivery, DeliveryDelivered},
		DeliveryFailed:         {DeliveryFailed},
	}
	for _, next := range path[status] {
		if err := d.UpdateStatus(d.Status(), next); err != nil {
			t.Fatalf("UpdateStatus to %s: %v", next, err)
		}
	}
	return d
}

func TestUpdateStatusRejectsStaleOldStatus(t *testing.T) {
	d := deliveryAt(t, DeliveryInTransit)
	err := d.UpdateStatus(DeliveryPickedUp, DeliveryOutForDelivery)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if d.Status() != DeliveryInTransit {
		t.Fatalf("status changed to %s on rejected command", d.Status())
	}
}

func TestUpdateStatusRejectsSameStatus(t *testing.T) {
	d := deliveryAt(t, DeliveryPickedUp)
	if err := d.UpdateStatus(DeliveryPickedUp, DeliveryPickedUp); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestDeliveryFailedRetriesFromTheTop(t *testing.T) {
	d := deliveryAt(t, DeliveryFailed)
	if err := d.UpdateStatus(DeliveryFailed, DeliveryPickedUp); err != nil {
		t.Fatalf("retry from Failed: %v", err)
	}
	if d.Status() != DeliveryPickedUp {
		t.Fatalf("status = %s, want %s", d.Status(), DeliveryPickedUp)
	}
}

func TestReachCheckpoint(t *testing.T) {
	d := deliveryAt(t, DeliveryInTransit)
	if err := d.ReachCheckpoint(1, "Warehouse A"); err != nil {
		t.Fatalf("ReachCheckpoint: %v", err)
	}
	if d.CurrentCheckpoint() != "Warehouse A" {
		t.Fatalf("current checkpoint = %q", d.CurrentCheckpoint())
	}
	if err := d.ReachCheckpoint(0, "nowhere"); !errors.Is(err, ErrValidation) {
		t.Fatalf("sequence 0: err = %v, want validation error", err)
	}
	if err := d.ReachCheckpoint(2, "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank location: err = %v, want validation error", err)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	d := deliveryAt(t, DeliveryInTransit)
	if err := d.ReportIncident("inc1", "flat-tire", "rear left"); err != nil {
		t.Fatalf("ReportIncident: %v", err)
	}
	if err := d.ReportIncident("inc1", "flat-tire", "again"); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate incident: err = %v, want validation error", err)
	}
	if err := d.ResolveIncident("inc1"); err != nil {
		t.Fatalf("ResolveIncident: %v", err)
	}
	if err := d.ResolveIncident("inc1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("double resolve: err = %v, want validation error", err)
	}
	if err := d.ResolveIncident("nope"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown incident: err = %v, want validation error", err)
	}
	incidents := d.Incidents()
	if len(incidents) != 1 || !incidents[0].Resolved || incidents[0].ResolvedAt == nil {
		t.Fatalf("incidents = %+v", incidents)
	}
}

func TestProofOfDeliveryCompletesTheDelivery(t *testing.T) {
	d := deliveryAt(t, DeliveryOutForDelivery)
	if err := d.CaptureProofOfDelivery("sig-bytes", "J. Doe"); err != nil {
		t.Fatalf("CaptureProofOfDelivery: %v", err)
	}
	if d.Status() != DeliveryDelivered {
		t.Fatalf("status = %s, want %s", d.Status(), DeliveryDelivered)
	}
	proof := d.Proof()
	if proof == nil || proof.Receiver != "J. Doe" {
		t.Fatalf("proof = %+v", proof)
	}
}

func TestProofOfDeliveryRequiresOutForDelivery(t *testing.T) {
	d := deliveryAt(t, DeliveryInTransit)
	if err := d.CaptureProofOfDelivery("sig", "someone"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	d = deliveryAt(t, DeliveryOutForDelivery)
	if err := d.CaptureProofOfDelivery("", "someone"); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank signature: err = %v, want validation error", err)
	}
}
