package projection

import (
	"context"
	"errors"
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
)

type stubProjector struct {
	err     error
	applied []domain.Event
}

func (p *stubProjector) Project(ctx context.Context, ev domain.Event) error {
	if p.err != nil {
		return p.err
	}
	p.applied = append(p.applied, ev)
	return nil
}

type recordingRefresher struct {
	refreshed []string
}

func (r *recordingRefresher) Refresh(ctx context.Context, aggregateType, id string) {
	r.refreshed = append(r.refreshed, aggregateType+"/"+id)
}

func TestProcessorRefreshesAfterApply(t *testing.T) {
	projector := &stubProjector{}
	refresher := &recordingRefresher{}
	p := NewProcessor(projector, refresher, nil, "", log.New())

	ev := domain.Event{AggregateID: "d1", AggregateType: domain.AggregateDelivery, Type: domain.TypeDeliveryCreated, Version: 1}
	if err := p.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(projector.applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(projector.applied))
	}
	if len(refresher.refreshed) != 1 || refresher.refreshed[0] != "delivery/d1" {
		t.Fatalf("refreshed = %v", refresher.refreshed)
	}
}

func TestProcessorSkipsUnknownEventType(t *testing.T) {
	projector := &stubProjector{err: fmt.Errorf("decode: %w", domain.ErrUnknownEventType)}
	refresher := &recordingRefresher{}
	p := NewProcessor(projector, refresher, nil, "", log.New())

	ev := domain.Event{AggregateID: "d1", Type: "future-event", Version: 1}
	if err := p.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent returned %v, unknown types must be skipped", err)
	}
	if len(refresher.refreshed) != 0 {
		t.Fatalf("refreshed = %v, want none", refresher.refreshed)
	}
}

func TestProcessorPropagatesProjectorError(t *testing.T) {
	projector := &stubProjector{err: errors.New("table down")}
	p := NewProcessor(projector, nil, nil, "", log.New())

	ev := domain.Event{AggregateID: "d1", Type: domain.TypeDeliveryCreated, Version: 1}
	if err := p.HandleEvent(context.Background(), ev); err == nil {
		t.Fatal("expected projector error to surface")
	}
}
