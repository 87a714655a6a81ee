// The api binary serves the command and query HTTP surface.
package main

import (
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"fleetstream/api"
	"fleetstream/domain"
	"fleetstream/eventbus"
	"fleetstream/eventstore"
	"fleetstream/sourcing"
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

	store, err := eventstore.NewTableStore(connStr, envOr("EVENTS_TABLE", "events"))
	if err != nil {
		logger.Fatalf("event store: %v", err)
	}

	topics := []string{
		eventbus.TopicDeliveryEvents,
		eventbus.TopicRouteEvents,
		eventbus.TopicFleetEvents,
	}
	producer, err := eventbus.NewQueueProducer(connStr, topics, logger)
	if err != nil {
		logger.Fatalf("producer: %v", err)
	}

	deliveries := sourcing.NewHandler(store, producer, eventbus.TopicDeliveryEvents,
		domain.AggregateDelivery, domain.EmptyDelivery, logger)
	routes := sourcing.NewHandler(store, producer, eventbus.TopicRouteEvents,
		domain.AggregateRoute, domain.EmptyRoute, logger)
	vehicles := sourcing.NewHandler(store, producer, eventbus.TopicFleetEvents,
		domain.AggregateVehicle, domain.EmptyVehicle, logger)
	drivers := sourcing.NewHandler(store, producer, eventbus.TopicFleetEvents,
		domain.AggregateDriver, domain.EmptyDriver, logger)

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
	lock := api.NewRedisLock(rc, logger)

	var auth *api.Auth
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			logger.Fatal("TEST_JWT_SECRET must be set when AUTH_TEST_MODE=1")
		}
		auth = api.NewTestAuth([]byte(secret))
	} else {
		domainName := os.Getenv("AUTH_DOMAIN")
		audience := os.Getenv("AUTH_AUDIENCE")
		if domainName == "" || audience == "" {
			logger.Fatal("missing auth config")
		}
		jwksURL := "https://" + domainName + "/.well-known/jwks.json"
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			logger.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, audience, "https://"+domainName+"/")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	server := api.NewServer(deliveries, routes, vehicles, drivers, cache, readModel, auth, lock, logger)
	server.Register(e)

	listenAddr := ":8080"
	if v, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + v
	}
	e.Logger.Fatal(e.Start(listenAddr))
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
