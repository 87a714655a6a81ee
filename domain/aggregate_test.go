package domain

import (
	"testing"
)

func TestReplayRebuildsIdenticalState(t *testing.T) {
	d, err := NewDelivery("d1", "r1", "drv1", "v1")
	if err != nil {
		t.Fatalf("NewDelivery: %v", err)
	}
	if err := d.UpdateStatus(DeliveryPickedUp, DeliveryInTransit); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := d.ReachCheckpoint(1, "Depot"); err != nil {
		t.Fatalf("ReachCheckpoint: %v", err)
	}
	if err := d.ReportIncident("inc1", "delay", "traffic"); err != nil {
		t.Fatalf("ReportIncident: %v", err)
	}

	history := make([]Event, len(d.UncommittedEvents()))
	copy(history, d.UncommittedEvents())
	for i := range history {
		history[i].Version = int64(i + 1)
	}

	// Replay in two batches, as a store pager would hand them over.
	rebuilt := EmptyDelivery()
	if err := rebuilt.Replay(history[:2]); err != nil {
		t.Fatalf("Replay batch 1: %v", err)
	}
	if err := rebuilt.Replay(history[2:]); err != nil {
		t.Fatalf("Replay batch 2: %v", err)
	}

	if rebuilt.AggregateID() != "d1" || rebuilt.Version() != int64(len(history)) {
		t.Fatalf("id = %s, version = %d", rebuilt.AggregateID(), rebuilt.Version())
	}
	if rebuilt.Status() != d.Status() || rebuilt.CurrentCheckpoint() != d.CurrentCheckpoint() {
		t.Fatalf("rebuilt state diverges: %s vs %s", rebuilt.Status(), d.Status())
	}
	if len(rebuilt.Incidents()) != 1 {
		t.Fatalf("incidents = %d, want 1", len(rebuilt.Incidents()))
	}
	if len(rebuilt.UncommittedEvents()) != 0 {
		t.Fatalf("replay filled the uncommitted buffer: %d events", len(rebuilt.UncommittedEvents()))
	}
	if rebuilt.CommittedVersion() != rebuilt.Version() {
		t.Fatalf("committed = %d, version = %d", rebuilt.CommittedVersion(), rebuilt.Version())
	}
}

func TestCommittedVersionTracksBuffer(t *testing.T) {
	d, err := NewDelivery("d1", "r1", "", "")
	if err != nil {
		t.Fatalf("NewDelivery: %v", err)
	}
	if err := d.UpdateStatus(DeliveryPickedUp, DeliveryInTransit); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if d.Version() != 2 || d.CommittedVersion() != 0 {
		t.Fatalf("version = %d, committed = %d", d.Version(), d.CommittedVersion())
	}
	d.MarkEventsCommitted()
	if d.Version() != 2 || d.CommittedVersion() != 2 {
		t.Fatalf("after commit: version = %d, committed = %d", d.Version(), d.CommittedVersion())
	}
	if err := d.ReachCheckpoint(1, "Depot"); err != nil {
		t.Fatalf("ReachCheckpoint: %v", err)
	}
	if d.CommittedVersion() != 2 || d.Version() != 3 {
		t.Fatalf("new command: version = %d, committed = %d", d.Version(), d.CommittedVersion())
	}
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	ev, err := NewEvent("d1", AggregateDelivery, 1, CheckpointReached{RouteID: "r1", Sequence: 2, Location: "Depot"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.Type != TypeCheckpointReached || ev.Version != 1 {
		t.Fatalf("envelope = %+v", ev)
	}
	p, err := DecodePayload(ev)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	cp, ok := p.(CheckpointReached)
	if !ok || cp.Sequence != 2 || cp.Location != "Depot" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	ev := Event{Type: "mystery-event"}
	if _, err := DecodePayload(ev); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
