package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
)

type viewStore interface {
	GetDelivery(ctx context.Context, id string) (*DeliveryView, error)
	GetRoute(ctx context.Context, id string) (*RouteView, error)
	GetVehicle(ctx context.Context, id string) (*VehicleView, error)
	GetDriver(ctx context.Context, id string) (*DriverView, error)
}

// Cache is a read-through redis cache over the read-model views. The
// projection side calls Refresh after every applied event, so API reads are
// mostly served straight from redis; a cold or evicted key falls back to the
// tables.
type Cache struct {
	store  viewStore
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewCache(store viewStore, rc *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Cache{store: store, redis: rc, ttl: ttl, logger: logger}
}

func viewKey(aggregateType, id string) string {
	return "view:" + aggregateType + ":" + id
}

func cacheGet[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (*T, error)) (*T, error) {
	if c.redis != nil {
		if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
			var view T
			if err := sonic.Unmarshal(data, &view); err == nil {
				return &view, nil
			}
			c.logger.WithField("key", key).Warn("discarding undecodable cache entry")
		}
	}
	view, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.put(ctx, key, view)
	return view, nil
}

func (c *Cache) put(ctx context.Context, key string, view any) {
	if c.redis == nil {
		return
	}
	data, err := sonic.Marshal(view)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Error("failed to encode cache entry")
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Error("failed to store cache entry")
	}
}

func (c *Cache) Delivery(ctx context.Context, id string) (*DeliveryView, error) {
	return cacheGet(ctx, c, viewKey(domain.AggregateDelivery, id), func(ctx context.Context) (*DeliveryView, error) {
		return c.store.GetDelivery(ctx, id)
	})
}

func (c *Cache) Route(ctx context.Context, id string) (*RouteView, error) {
	return cacheGet(ctx, c, viewKey(domain.AggregateRoute, id), func(ctx context.Context) (*RouteView, error) {
		return c.store.GetRoute(ctx, id)
	})
}

func (c *Cache) Vehicle(ctx context.Context, id string) (*VehicleView, error) {
	return cacheGet(ctx, c, viewKey(domain.AggregateVehicle, id), func(ctx context.Context) (*VehicleView, error) {
		return c.store.GetVehicle(ctx, id)
	})
}

func (c *Cache) Driver(ctx context.Context, id string) (*DriverView, error) {
	return cacheGet(ctx, c, viewKey(domain.AggregateDriver, id), func(ctx context.Context) (*DriverView, error) {
		return c.store.GetDriver(ctx, id)
	})
}

// Refresh reloads one view from the tables and replaces the cached copy.
// Failures are logged and swallowed: the cache is an accelerator, a stale or
// missing entry never blocks projection progress.
func (c *Cache) Refresh(ctx context.Context, aggregateType, id string) {
	if c == nil || c.redis == nil {
		return
	}
	key := viewKey(aggregateType, id)
	var (
		view any
		err  error
	)
	switch aggregateType {
	case domain.AggregateDelivery:
		view, err = c.store.GetDelivery(ctx, id)
	case domain.AggregateRoute:
		view, err = c.store.GetRoute(ctx, id)
	case domain.AggregateVehicle:
		view, err = c.store.GetVehicle(ctx, id)
	case domain.AggregateDriver:
		view, err = c.store.GetDriver(ctx, id)
	default:
		return
	}
	if err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"aggregateType": aggregateType,
			"id":            id,
		}).Error("failed to reload view for cache")
		if delErr := c.redis.Del(ctx, key).Err(); delErr != nil {
			c.logger.WithError(delErr).WithField("key", key).Error("failed to drop cache entry")
		}
		return
	}
	c.put(ctx, key, view)
}
