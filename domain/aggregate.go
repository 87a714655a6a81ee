package domain

import "fmt"

// Aggregate is the surface the event-sourcing handler needs from every
// concrete aggregate type.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	Version() int64
	CommittedVersion() int64
	UncommittedEvents() []Event
	MarkEventsCommitted()
	Replay(events []Event) error
}

type applier interface {
	apply(p Payload) error
}

// Root carries the generic aggregate mechanics: identity, version counting
// and the uncommitted-event buffer. Concrete aggregates embed it and register
// themselves as the payload applier via bind.
type Root struct {
	id            string
	aggregateType string
	version       int64
	uncommitted   []Event
	self          applier
}

func (r *Root) bind(id, aggregateType string, self applier) {
	r.id = id
	r.aggregateType = aggregateType
	r.self = self
}

func (r *Root) AggregateID() string   { return r.id }
func (r *Root) AggregateType() string { return r.aggregateType }

// Version counts every event applied so far, including uncommitted ones.
func (r *Root) Version() int64 { return r.version }

// CommittedVersion is the version the aggregate had before the in-flight
// command. Save uses it as the expected version for the append.
func (r *Root) CommittedVersion() int64 {
	return r.version - int64(len(r.uncommitted))
}

func (r *Root) UncommittedEvents() []Event { return r.uncommitted }

func (r *Root) MarkEventsCommitted() { r.uncommitted = nil }

// raise applies the payload to in-memory state and buffers the resulting
// event. Every state change flows through here so that replay and live
// execution produce identical results.
func (r *Root) raise(p Payload) error {
	ev, err := NewEvent(r.id, r.aggregateType, r.version+1, p)
	if err != nil {
		return err
	}
	if err := r.self.apply(p); err != nil {
		return err
	}
	r.version++
	r.uncommitted = append(r.uncommitted, ev)
	return nil
}

// Replay rebuilds state from history in order. The uncommitted buffer is
// left untouched; the version ends at the last event's version.
func (r *Root) Replay(events []Event) error {
	for _, ev := range events {
		p, err := DecodePayload(ev)
		if err != nil {
			return fmt.Errorf("replay %s: %w", r.aggregateType, err)
		}
		if err := r.self.apply(p); err != nil {
			return fmt.Errorf("replay %s v%d (%s): %w", r.aggregateType, ev.Version, ev.Type, err)
		}
		r.id = ev.AggregateID
		r.version = ev.Version
	}
	return nil
}
