package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
)

type recordingHandler struct {
	events []domain.Event
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev domain.Event) error {
	h.events = append(h.events, ev)
	return h.err
}

func publish(t *testing.T, bus *MemoryBus, topic string, ev domain.Event) {
	t.Helper()
	if err := bus.Publish(context.Background(), topic, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestProcessDispatchesAndCommits(t *testing.T) {
	bus := NewMemoryBus()
	publish(t, bus, "t", domain.Event{AggregateID: "d1", Type: domain.TypeDeliveryCreated, Version: 1})

	handler := &recordingHandler{}
	c := NewConsumer("t", bus.Topic("t"), handler, log.New())

	msg, err := bus.Topic("t").Dequeue(context.Background())
	if err != nil || msg == nil {
		t.Fatalf("Dequeue: msg = %v, err = %v", msg, err)
	}
	c.process(context.Background(), msg)

	if len(handler.events) != 1 || handler.events[0].AggregateID != "d1" {
		t.Fatalf("handled = %+v", handler.events)
	}
}

func TestProcessDropsPoisonMessage(t *testing.T) {
	handler := &recordingHandler{}
	deleter := &countingSource{}
	c := NewConsumer("t", deleter, handler, log.New())

	c.process(context.Background(), &Message{ID: "1", Text: "{not json"})
	if len(handler.events) != 0 {
		t.Fatalf("poison message reached the handler: %+v", handler.events)
	}
	if deleter.deleted != 1 {
		t.Fatalf("deleted = %d, want 1 (poison must be committed)", deleter.deleted)
	}
}

func TestProcessCommitsOnHandlerError(t *testing.T) {
	handler := &recordingHandler{err: errors.New("projection down")}
	deleter := &countingSource{}
	c := NewConsumer("t", deleter, handler, log.New())

	c.process(context.Background(), &Message{ID: "1", Text: `{"aggregateId":"d1","type":"delivery-created","version":1}`})
	if len(handler.events) != 1 {
		t.Fatalf("handled = %d, want 1", len(handler.events))
	}
	if deleter.deleted != 1 {
		t.Fatalf("deleted = %d, want 1 (failed message is dropped, not redelivered)", deleter.deleted)
	}
}

type countingSource struct {
	deleted  int
	readyErr error
}

func (s *countingSource) Ready(ctx context.Context) error              { return s.readyErr }
func (s *countingSource) Dequeue(ctx context.Context) (*Message, error) { return nil, nil }
func (s *countingSource) Delete(ctx context.Context, m *Message) error {
	s.deleted++
	return nil
}

func TestWaitReadyGivesUp(t *testing.T) {
	src := &countingSource{readyErr: errors.New("queue missing")}
	c := NewConsumer("t", src, &recordingHandler{}, log.New())
	c.readyAttempts = 2
	c.readyDelay = time.Millisecond

	if err := c.waitReady(context.Background()); err == nil {
		t.Fatal("expected error after bounded ready attempts")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	bus := NewMemoryBus()
	publish(t, bus, "t", domain.Event{AggregateID: "d1", Type: domain.TypeDeliveryCreated, Version: 1})

	handler := &recordingHandler{}
	c := NewConsumer("t", bus.Topic("t"), handler, log.New())
	c.pollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for bus.Len("t") > 0 {
		select {
		case <-deadline:
			t.Fatal("consumer never drained the topic")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if len(handler.events) != 1 {
		t.Fatalf("handled = %d, want 1", len(handler.events))
	}
}
