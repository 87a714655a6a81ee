package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type RouteStatus string

const (
	RoutePlanning    RouteStatus = "Planning"
	RoutePlanned     RouteStatus = "Planned"
	RouteActive      RouteStatus = "Active"
	RouteDeactivated RouteStatus = "Deactivated"
)

func allowedRouteTransitions(s RouteStatus) []RouteStatus {
	switch s {
	case RoutePlanning:
		return []RouteStatus{RoutePlanned}
	case RoutePlanned:
		return []RouteStatus{RouteActive}
	case RouteActive:
		return []RouteStatus{RouteDeactivated}
	default:
		return nil
	}
}

func routeTransitionAllowed(from, to RouteStatus) bool {
	for _, s := range allowedRouteTransitions(from) {
		if s == to {
			return true
		}
	}
	return false
}

// RouteCheckpoint is a planned stop. Sequence numbers are unique and
// strictly increasing, expected times strictly ordered along the sequence.
type RouteCheckpoint struct {
	Sequence     int
	Location     string
	ExpectedTime time.Time
}

// Route is a planned journey from origin to destination. Checkpoints may
// only change while the route is still in Planning.
type Route struct {
	Root
	origin         string
	destination    string
	status         RouteStatus
	scheduledStart time.Time
	scheduledEnd   time.Time
	checkpoints    []RouteCheckpoint // kept sorted by sequence
}

// Route event payloads.
type RouteCreated struct {
	Origin         string    `json:"origin"`
	Destination    string    `json:"destination"`
	ScheduledStart time.Time `json:"scheduledStart"`
}

func (RouteCreated) EventType() string { return TypeRouteCreated }

type RouteCheckpointAdded struct {
	Sequence     int       `json:"sequence"`
	Location     string    `json:"location"`
	ExpectedTime time.Time `json:"expectedTime"`
}

func (RouteCheckpointAdded) EventType() string { return TypeRouteCheckpointAdded }

type RouteCheckpointUpdated struct {
	Sequence     int       `json:"sequence"`
	Location     string    `json:"location"`
	ExpectedTime time.Time `json:"expectedTime"`
}

func (RouteCheckpointUpdated) EventType() string { return TypeRouteCheckpointUpdated }

type RouteScheduleRecalculated struct {
	ScheduledEnd time.Time `json:"scheduledEnd"`
}

func (RouteScheduleRecalculated) EventType() string { return TypeRouteScheduleRecalculated }

type RoutePlannedEvent struct{}

func (RoutePlannedEvent) EventType() string { return TypeRoutePlanned }

type RouteActivated struct {
	ActivatedAt time.Time `json:"activatedAt"`
}

func (RouteActivated) EventType() string { return TypeRouteActivated }

type RouteDeactivatedEvent struct {
	Reason        string    `json:"reason,omitempty"`
	DeactivatedAt time.Time `json:"deactivatedAt"`
}

func (RouteDeactivatedEvent) EventType() string { return TypeRouteDeactivated }

// NewRoute opens a route for planning.
func NewRoute(id, origin, destination string, scheduledStart time.Time) (*Route, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: route id is required", ErrValidation)
	}
	if strings.TrimSpace(origin) == "" || strings.TrimSpace(destination) == "" {
		return nil, fmt.Errorf("%w: route origin and destination are required", ErrValidation)
	}
	if scheduledStart.IsZero() {
		return nil, fmt.Errorf("%w: route scheduled start time is required", ErrValidation)
	}
	r := &Route{}
	r.bind(id, AggregateRoute, r)
	if err := r.raise(RouteCreated{Origin: origin, Destination: destination, ScheduledStart: scheduledStart.UTC()}); err != nil {
		return nil, err
	}
	return r, nil
}

// EmptyRoute returns a route ready to be replayed from history.
func EmptyRoute() *Route {
	r := &Route{}
	r.bind("", AggregateRoute, r)
	return r
}

func (r *Route) Origin() string            { return r.origin }
func (r *Route) Destination() string       { return r.destination }
func (r *Route) Status() RouteStatus       { return r.status }
func (r *Route) ScheduledStart() time.Time { return r.scheduledStart }

// ScheduledEnd is derived from the highest-sequence checkpoint's expected
// time; zero until the first checkpoint is added.
func (r *Route) ScheduledEnd() time.Time { return r.scheduledEnd }

func (r *Route) Checkpoints() []RouteCheckpoint {
	out := make([]RouteCheckpoint, len(r.checkpoints))
	copy(out, r.checkpoints)
	return out
}

// AddCheckpoint appends a stop to the plan. Only appends are allowed: the
// sequence must exceed the current maximum and the expected time must exceed
// both the scheduled start and every existing checkpoint's time.
func (r *Route) AddCheckpoint(sequence int, location string, expectedTime time.Time) error {
	if r.status != RoutePlanning {
		return fmt.Errorf("%w: checkpoints can only be added while the route is %s", ErrValidation, RoutePlanning)
	}
	if sequence <= 0 {
		return fmt.Errorf("%w: checkpoint sequence must be positive", ErrValidation)
	}
	if strings.TrimSpace(location) == "" {
		return fmt.Errorf("%w: checkpoint location is required", ErrValidation)
	}
	if !expectedTime.After(r.scheduledStart) {
		return fmt.Errorf("%w: checkpoint time %s is not after scheduled start %s", ErrValidation,
			expectedTime.Format(time.RFC3339), r.scheduledStart.Format(time.RFC3339))
	}
	if n := len(r.checkpoints); n > 0 {
		last := r.checkpoints[n-1]
		if sequence <= last.Sequence {
			return fmt.Errorf("%w: checkpoint sequence %d must exceed current maximum %d", ErrValidation, sequence, last.Sequence)
		}
		if !expectedTime.After(last.ExpectedTime) {
			return fmt.Errorf("%w: checkpoint time %s is not after checkpoint %d at %s", ErrValidation,
				expectedTime.Format(time.RFC3339), last.Sequence, last.ExpectedTime.Format(time.RFC3339))
		}
	}
	if err := r.raise(RouteCheckpointAdded{Sequence: sequence, Location: location, ExpectedTime: expectedTime.UTC()}); err != nil {
		return err
	}
	return r.recalculateSchedule()
}

// UpdateCheckpoint edits an existing stop. The new expected time is checked
// against the immediate predecessor and successor, not just the maximum.
func (r *Route) UpdateCheckpoint(sequence int, location string, expectedTime time.Time) error {
	if r.status != RoutePlanning {
		return fmt.Errorf("%w: checkpoints can only be updated while the route is %s", ErrValidation, RoutePlanning)
	}
	if strings.TrimSpace(location) == "" {
		return fmt.Errorf("%w: checkpoint location is required", ErrValidation)
	}
	idx := -1
	for i, cp := range r.checkpoints {
		if cp.Sequence == sequence {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: route has no checkpoint with sequence %d", ErrValidation, sequence)
	}
	if !expectedTime.After(r.scheduledStart) {
		return fmt.Errorf("%w: checkpoint time %s is not after scheduled start %s", ErrValidation,
			expectedTime.Format(time.RFC3339), r.scheduledStart.Format(time.RFC3339))
	}
	if idx > 0 {
		prev := r.checkpoints[idx-1]
		if !expectedTime.After(prev.ExpectedTime) {
			return fmt.Errorf("%w: checkpoint %d time must exceed checkpoint %d at %s", ErrValidation,
				sequence, prev.Sequence, prev.ExpectedTime.Format(time.RFC3339))
		}
	}
	if idx < len(r.checkpoints)-1 {
		next := r.checkpoints[idx+1]
		if !expectedTime.Before(next.ExpectedTime) {
			return fmt.Errorf("%w: checkpoint %d time must precede checkpoint %d at %s", ErrValidation,
				sequence, next.Sequence, next.ExpectedTime.Format(time.RFC3339))
		}
	}
	if err := r.raise(RouteCheckpointUpdated{Sequence: sequence, Location: location, ExpectedTime: expectedTime.UTC()}); err != nil {
		return err
	}
	return r.recalculateSchedule()
}

// recalculateSchedule raises a schedule event when the derived end time
// (highest-sequence checkpoint) has changed.
func (r *Route) recalculateSchedule() error {
	if len(r.checkpoints) == 0 {
		return nil
	}
	end := r.checkpoints[len(r.checkpoints)-1].ExpectedTime
	if end.Equal(r.scheduledEnd) {
		return nil
	}
	return r.raise(RouteScheduleRecalculated{ScheduledEnd: end})
}

// Plan freezes the checkpoint list and marks the route ready.
func (r *Route) Plan() error {
	if !routeTransitionAllowed(r.status, RoutePlanned) {
		return fmt.Errorf("%w: cannot move route from %s to %s", ErrValidation, r.status, RoutePlanned)
	}
	if len(r.checkpoints) == 0 {
		return fmt.Errorf("%w: a route needs at least one checkpoint before it can be planned", ErrValidation)
	}
	return r.raise(RoutePlannedEvent{})
}

func (r *Route) Activate() error {
	if !routeTransitionAllowed(r.status, RouteActive) {
		return fmt.Errorf("%w: cannot move route from %s to %s", ErrValidation, r.status, RouteActive)
	}
	return r.raise(RouteActivated{ActivatedAt: time.Now().UTC()})
}

func (r *Route) Deactivate(reason string) error {
	if !routeTransitionAllowed(r.status, RouteDeactivated) {
		return fmt.Errorf("%w: cannot move route from %s to %s", ErrValidation, r.status, RouteDeactivated)
	}
	return r.raise(RouteDeactivatedEvent{Reason: reason, DeactivatedAt: time.Now().UTC()})
}

func (r *Route) apply(p Payload) error {
	switch e := p.(type) {
	case RouteCreated:
		r.origin = e.Origin
		r.destination = e.Destination
		r.scheduledStart = e.ScheduledStart
		r.status = RoutePlanning
	case RouteCheckpointAdded:
		r.checkpoints = append(r.checkpoints, RouteCheckpoint{
			Sequence:     e.Sequence,
			Location:     e.Location,
			ExpectedTime: e.ExpectedTime,
		})
		sort.Slice(r.checkpoints, func(i, j int) bool {
			return r.checkpoints[i].Sequence < r.checkpoints[j].Sequence
		})
	case RouteCheckpointUpdated:
		for i := range r.checkpoints {
			if r.checkpoints[i].Sequence == e.Sequence {
				r.checkpoints[i].Location = e.Location
				r.checkpoints[i].ExpectedTime = e.ExpectedTime
				break
			}
		}
	case RouteScheduleRecalculated:
		r.scheduledEnd = e.ScheduledEnd
	case RoutePlannedEvent:
		r.status = RoutePlanned
	case RouteActivated:
		r.status = RouteActive
	case RouteDeactivatedEvent:
		r.status = RouteDeactivated
	default:
		return fmt.Errorf("%w: %T not applicable to a route", ErrUnknownEventType, p)
	}
	return nil
}
