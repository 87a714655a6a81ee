// The projector binary runs one consumer loop per topic, updating the read
// models, the cache and the pub/sub channels.
package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"fleetstream/eventbus"
	"fleetstream/projection"
	"fleetstream/storage"
)

func main() {
	_ = godotenv.Load()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	logger.SetLevel(log.GetLevel())

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		logger.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	readModel, err := storage.NewReadModel(connStr, storage.Tables{
		Deliveries: envOr("DELIVERIES_TABLE", "deliveries"),
		Routes:     envOr("ROUTES_TABLE", "routes"),
		Fleet:      envOr("FLEET_TABLE", "fleet"),
		Audit:      envOr("AUDIT_TABLE", "auditlog"),
	})
	if err != nil {
		logger.Fatalf("read model: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		logger.Fatal("missing REDIS_CONNECTION_STRING")
	}
	rc := redis.NewClient(redisOptions(redisConn))

	cacheTTL := 12 * time.Hour
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Fatalf("invalid CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cache := storage.NewCache(readModel, rc, cacheTTL, logger)

	consumers := []*eventbus.Consumer{
		newConsumer(connStr, eventbus.TopicDeliveryEvents,
			projection.NewDeliveryProjector(readModel, logger),
			cache, rc, envOr("DELIVERY_CHANNEL", "delivery-updates"), logger),
		newConsumer(connStr, eventbus.TopicRouteEvents,
			projection.NewRouteProjector(readModel, logger),
			cache, rc, envOr("ROUTE_CHANNEL", "route-updates"), logger),
		newConsumer(connStr, eventbus.TopicFleetEvents,
			projection.NewFleetProjector(readModel, logger),
			cache, rc, envOr("FLEET_CHANNEL", "fleet-updates"), logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(consumers))
	for _, c := range consumers {
		c := c
		go func() { errCh <- c.Run(ctx) }()
	}

	for range consumers {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			logger.Fatalf("consumer stopped: %v", err)
		}
	}
	logger.Info("projector stopped")
}

func newConsumer(connStr, topic string, projector projection.Projector, cache *storage.Cache, rc *redis.Client, channel string, logger *log.Logger) *eventbus.Consumer {
	source, err := eventbus.NewQueueSource(connStr, topic)
	if err != nil {
		logger.Fatalf("source for %s: %v", topic, err)
	}
	processor := projection.NewProcessor(projector, cache, rc, channel, logger)
	return eventbus.NewConsumer(topic, source, processor, logger)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// redisOptions accepts either a redis URL or the Azure-style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
