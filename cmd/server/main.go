package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jogardn/fooddash/internal/api"
	"github.com/jogardn/fooddash/internal/assignment"
	"github.com/jogardn/fooddash/internal/auth"
	"github.com/jogardn/fooddash/internal/catalog"
	"github.com/jogardn/fooddash/internal/circuitbreaker"
	"github.com/jogardn/fooddash/internal/config"
	"github.com/jogardn/fooddash/internal/events"
	"github.com/jogardn/fooddash/internal/lifecycle"
	"github.com/jogardn/fooddash/internal/metrics"
	"github.com/jogardn/fooddash/internal/notify"
	"github.com/jogardn/fooddash/internal/paygateway"
	"github.com/jogardn/fooddash/internal/presence"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/internal/store/memory"
	"github.com/jogardn/fooddash/internal/store/postgres"
	"github.com/jogardn/fooddash/internal/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg := config.Load(logger)
	logger.SetLevel(cfg.LogLevel)

	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]api.HealthCheck)

	// Order store
	var orders store.OrderStore
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()

		pg := postgres.New(db, logger)
		if err := pg.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to create tables")
		}
		orders = pg
		checks["orders_db"] = pingCheck(db)
	} else {
		logger.Warn("DATABASE_URL not set - orders are kept in memory")
		orders = memory.New()
	}

	// Catalog
	catalogDB, err := catalog.Open(cfg.CatalogDriver, cfg.CatalogDSN, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open catalog")
	}
	cat := catalog.New(catalogDB, logger)
	if err := cat.Migrate(); err != nil {
		logger.WithError(err).Fatal("Failed to migrate catalog")
	}
	if sqlDB, err := catalogDB.DB(); err == nil {
		defer sqlDB.Close()
		checks["catalog_db"] = pingCheck(sqlDB)
	}

	// Payment gateway behind a circuit breaker
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "payment-gateway",
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		MaxRequests: 1,
		IsFailure:   paygateway.IsFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		},
	}, logger)
	gateway := paygateway.NewClient(cfg.PaymentBaseURL, cfg.PaymentKeyID, cfg.PaymentKeySecret, breaker, logger)

	// Presence
	var presenceStore presence.Store
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = presence.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		presenceStore = presence.NewRedisStore(redisClient, "", cfg.PresenceTTL)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		presenceStore = presence.NewMemoryStore()
	}

	// Events and notifications. With Kafka, lifecycle events go to
	// order.events and notifications are queued for cmd/notifier; without it
	// notifications are sent from this process.
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	publishers := events.Fanout{}
	var sender notify.Sender
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		publishers = append(publishers, producer)
		sender = producer
	} else if cfg.SMTPAddr != "" {
		sender = notify.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
	} else {
		sender = notify.LogSender{Logger: logger}
	}
	dispatcher := notify.NewDispatcher(sender, logger)
	defer dispatcher.Wait()

	// The hub is both a publisher and a consumer of assignment commands, so
	// the services are built against the fanout before the hub joins it.
	assignments := assignment.NewService(orders, cat, &publishers, logger)
	engine := lifecycle.NewEngine(orders, cat, gateway, &publishers, dispatcher, lifecycle.Config{
		Currency:        cfg.PaymentCurrency,
		DefaultPrepTime: cfg.DefaultPrepTime,
		TravelTime:      cfg.DefaultTravelTime,
	}, logger)

	owners := api.NewOwnerLookup(cat)
	hub := websocket.NewHub(presenceStore, engine, owners, assignments, tokens, websocket.Config{
		LocationRate:  rate.Limit(cfg.LocationUpdatesPerSecond),
		LocationBurst: cfg.LocationUpdateBurst,
	}, logger)
	publishers = append(publishers, hub)

	server := api.NewServer(engine, assignments, cat, tokens, http.HandlerFunc(hub.HandleWebSocket), checks, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server.Handler(cfg.CORSOrigin),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.WithField("port", cfg.HTTPPort).Info("Starting fooddash server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
	}
	logger.Info("Server gracefully stopped")
}

func pingCheck(db *sql.DB) api.HealthCheck {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}
