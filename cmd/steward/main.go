package main

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/binblast/binblast-sub003/internal/billing"
	"github.com/binblast/binblast-sub003/internal/cache"
	"github.com/binblast/binblast-sub003/internal/catalog"
	"github.com/binblast/binblast-sub003/internal/handlers"
	"github.com/binblast/binblast-sub003/internal/reconciler"
	"github.com/binblast/binblast-sub003/internal/store"
	"github.com/binblast/binblast-sub003/internal/stripegw"
	"github.com/binblast/binblast-sub003/pkg/config"
	"github.com/binblast/binblast-sub003/pkg/logging"
	"github.com/binblast/binblast-sub003/pkg/monitoring"
	"github.com/binblast/binblast-sub003/pkg/server"
	"github.com/binblast/binblast-sub003/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("steward")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Steward (Billing API)")

	mongoURI := config.RequireEnv("MONGO_URI")
	mongoDB := config.GetEnv("MONGO_DB", "binblast")
	stripeKey := config.RequireEnv("STRIPE_SECRET_KEY")
	snapshotSecret := config.RequireEnv("STRIPE_WEBHOOK_SECRET_SNAPSHOT")
	thinSecret := config.GetEnv("STRIPE_WEBHOOK_SECRET_THIN", "")
	successURL := config.GetEnv("CHECKOUT_SUCCESS_URL", "https://binblast.com/billing/success")
	cancelURL := config.GetEnv("CHECKOUT_CANCEL_URL", "https://binblast.com/billing/cancel")

	// Connect to MongoDB
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.WithError(err).Warn("MongoDB disconnect failed")
		}
	}()

	db := mongoClient.Database(mongoDB)
	if err := store.EnsureIndexes(ctx, db); err != nil {
		logger.WithError(err).Fatal("Failed to ensure MongoDB indexes")
	}
	st := store.NewMongoStore(db, logger)

	// Optional Redis replay cache; the durable store still deduplicates
	// when Redis is absent.
	var redisClient *redis.Client
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
		})
		defer redisClient.Close()
	}
	replay := cache.NewReplayCache(redisClient, config.GetEnvDuration("WEBHOOK_REPLAY_TTL", 24*time.Hour), logger)

	// Plan catalog, with optional pre-provisioned gateway prices
	cat := catalog.Default()
	for _, plan := range cat.List() {
		envKey := "STRIPE_PRICE_" + strings.ToUpper(strings.ReplaceAll(plan.ID, "-", "_"))
		if priceID := config.GetEnv(envKey, ""); priceID != "" {
			cat.SetGatewayPriceID(plan.ID, priceID)
		}
	}

	gateway := stripegw.NewClient(stripegw.Config{
		SecretKey: stripeKey,
		Logger:    logger,
	})

	orchestrator := billing.New(billing.Config{
		Catalog:    cat,
		Gateway:    gateway,
		Store:      st,
		Logger:     logger,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})

	rec := reconciler.New(reconciler.Config{
		Store:          st,
		Gateway:        gateway,
		Billing:        orchestrator,
		Replay:         replay,
		Logger:         logger,
		SnapshotSecret: snapshotSecret,
		ThinSecret:     thinSecret,
	})

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("steward", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("steward", version.Version, version.GitCommit)

	healthChecker.AddCheck("mongodb", monitoring.MongoHealthCheck(mongoClient))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"MONGO_URI":                      mongoURI,
		"STRIPE_SECRET_KEY":              stripeKey,
		"STRIPE_WEBHOOK_SECRET_SNAPSHOT": snapshotSecret,
	}))

	metrics := handlers.NewStewardMetrics(metricsCollector.NewCounter)

	h := handlers.New(handlers.Config{
		Catalog:    cat,
		Billing:    orchestrator,
		Reconciler: rec,
		Store:      st,
		Logger:     logger,
		Metrics:    metrics,
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "steward", healthChecker, metricsCollector)
	h.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("steward", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
