// Package api exposes the HTTP surface: command endpoints that drive the
// aggregates and query endpoints served from the projected read models.
package api

import (
	"context"
	"time"

	"fleetstream/domain"
	"fleetstream/storage"
)

// Repositories are the command-side persistence surface, satisfied by the
// event-sourcing handlers.

type DeliveryRepository interface {
	Save(ctx context.Context, d *domain.Delivery) error
	GetByID(ctx context.Context, id string) (*domain.Delivery, error)
	Republish(ctx context.Context) (int, error)
}

type RouteRepository interface {
	Save(ctx context.Context, r *domain.Route) error
	GetByID(ctx context.Context, id string) (*domain.Route, error)
	Republish(ctx context.Context) (int, error)
}

type VehicleRepository interface {
	Save(ctx context.Context, v *domain.Vehicle) error
	GetByID(ctx context.Context, id string) (*domain.Vehicle, error)
	Republish(ctx context.Context) (int, error)
}

type DriverRepository interface {
	Save(ctx context.Context, d *domain.Driver) error
	GetByID(ctx context.Context, id string) (*domain.Driver, error)
	Republish(ctx context.Context) (int, error)
}

// ReadModel is the query-side surface, satisfied by the cache.
type ReadModel interface {
	Delivery(ctx context.Context, id string) (*storage.DeliveryView, error)
	Route(ctx context.Context, id string) (*storage.RouteView, error)
	Vehicle(ctx context.Context, id string) (*storage.VehicleView, error)
	Driver(ctx context.Context, id string) (*storage.DriverView, error)
}

// AuditReader serves the per-aggregate audit trail.
type AuditReader interface {
	GetAuditLog(ctx context.Context, aggregateID string) ([]storage.AuditEntry, error)
}

// Authenticator resolves the caller's subject from the Authorization header.
type Authenticator interface {
	Subject(header string) (string, error)
}

// Locker fences multi-aggregate commands. Acquire returns a release func, or
// ErrLockHeld when another request holds the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), error)
}
