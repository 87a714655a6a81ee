package domain

import (
	"errors"
	"testing"
	"time"
)

var routeStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func planningRoute(t *testing.T) *Route {
	t.Helper()
	r, err := NewRoute("r1", "Oslo", "Bergen", routeStart)
	if err != nil {
		t.Fatalf("NewRoute: %v", err)
	}
	return r
}

func TestNewRouteValidation(t *testing.T) {
	if _, err := NewRoute("r1", "", "Bergen", routeStart); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank origin: err = %v, want validation error", err)
	}
	if _, err := NewRoute("r1", "Oslo", "Bergen", time.Time{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero start: err = %v, want validation error", err)
	}
}

func TestAddCheckpointOrdering(t *testing.T) {
	r := planningRoute(t)
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }

	if err := r.AddCheckpoint(1, "Drammen", at(10, 0)); err != nil {
		t.Fatalf("checkpoint 1: %v", err)
	}
	if err := r.AddCheckpoint(2, "Kongsberg", at(11, 0)); err != nil {
		t.Fatalf("checkpoint 2: %v", err)
	}
	// Sequence advances but the time goes backwards.
	if err := r.AddCheckpoint(3, "Notodden", at(10, 30)); !errors.Is(err, ErrValidation) {
		t.Fatalf("out-of-order time: err = %v, want validation error", err)
	}
	if err := r.AddCheckpoint(3, "Notodden", at(11, 30)); err != nil {
		t.Fatalf("checkpoint 3: %v", err)
	}
	// Sequence must exceed the current maximum.
	if err := r.AddCheckpoint(3, "Dup", at(12, 0)); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate sequence: err = %v, want validation error", err)
	}
	if err := r.AddCheckpoint(2, "Late", at(12, 0)); !errors.Is(err, ErrValidation) {
		t.Fatalf("lower sequence: err = %v, want validation error", err)
	}
	// Time must exceed the scheduled start.
	if err := r.AddCheckpoint(4, "Early", routeStart.Add(-time.Hour)); !errors.Is(err, ErrValidation) {
		t.Fatalf("before start: err = %v, want validation error", err)
	}
	if got := len(r.Checkpoints()); got != 3 {
		t.Fatalf("checkpoints = %d, want 3", got)
	}
	if !r.ScheduledEnd().Equal(at(11, 30)) {
		t.Fatalf("scheduled end = %v, want %v", r.ScheduledEnd(), at(11, 30))
	}
}

func TestUpdateCheckpointChecksBothNeighbours(t *testing.T) {
	r := planningRoute(t)
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }
	for i, tm := range []time.Time{at(10, 0), at(11, 0), at(12, 0)} {
		if err := r.AddCheckpoint(i+1, "Stop", tm); err != nil {
			t.Fatalf("checkpoint %d: %v", i+1, err)
		}
	}

	if err := r.UpdateCheckpoint(2, "Stop", at(10, 30)); err != nil {
		t.Fatalf("update inside window: %v", err)
	}
	if err := r.UpdateCheckpoint(2, "Stop", at(9, 30)); !errors.Is(err, ErrValidation) {
		t.Fatalf("before predecessor: err = %v, want validation error", err)
	}
	if err := r.UpdateCheckpoint(2, "Stop", at(12, 30)); !errors.Is(err, ErrValidation) {
		t.Fatalf("after successor: err = %v, want validation error", err)
	}
	if err := r.UpdateCheckpoint(9, "Stop", at(11, 0)); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown sequence: err = %v, want validation error", err)
	}
}

func TestScheduleRecalculatedOnLastCheckpointMove(t *testing.T) {
	r := planningRoute(t)
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }
	if err := r.AddCheckpoint(1, "A", at(10, 0)); err != nil {
		t.Fatalf("checkpoint 1: %v", err)
	}
	if err := r.AddCheckpoint(2, "B", at(11, 0)); err != nil {
		t.Fatalf("checkpoint 2: %v", err)
	}
	if err := r.UpdateCheckpoint(2, "B", at(11, 45)); err != nil {
		t.Fatalf("move last checkpoint: %v", err)
	}
	if !r.ScheduledEnd().Equal(at(11, 45)) {
		t.Fatalf("scheduled end = %v, want %v", r.ScheduledEnd(), at(11, 45))
	}

	// Moving a middle checkpoint leaves the derived end alone: no extra event.
	before := len(r.UncommittedEvents())
	if err := r.UpdateCheckpoint(1, "A", at(10, 15)); err != nil {
		t.Fatalf("move middle checkpoint: %v", err)
	}
	if got := len(r.UncommittedEvents()) - before; got != 1 {
		t.Fatalf("events raised = %d, want 1 (no schedule event)", got)
	}
}

func TestRouteLifecycle(t *testing.T) {
	r := planningRoute(t)
	if err := r.Plan(); !errors.Is(err, ErrValidation) {
		t.Fatalf("plan without checkpoints: err = %v, want validation error", err)
	}
	if err := r.AddCheckpoint(1, "A", routeStart.Add(time.Hour)); err != nil {
		t.Fatalf("AddCheckpoint: %v", err)
	}
	if err := r.Activate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("activate from Planning: err = %v, want validation error", err)
	}
	if err := r.Plan(); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := r.AddCheckpoint(2, "B", routeStart.Add(2*time.Hour)); !errors.Is(err, ErrValidation) {
		t.Fatalf("add after planning: err = %v, want validation error", err)
	}
	if err := r.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := r.Deactivate("done"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if r.Status() != RouteDeactivated {
		t.Fatalf("status = %s, want %s", r.Status(), RouteDeactivated)
	}
	if err := r.Activate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("activate deactivated route: err = %v, want validation error", err)
	}
}
