package main

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/i474232898/aqi-forecast/internal/api/http"
	"github.com/i474232898/aqi-forecast/internal/config"
	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/inference"
	"github.com/i474232898/aqi-forecast/internal/logger"
	"github.com/i474232898/aqi-forecast/internal/model"
	"github.com/i474232898/aqi-forecast/internal/pipeline"
	"github.com/i474232898/aqi-forecast/internal/providers"
	"github.com/i474232898/aqi-forecast/internal/publisher"
	"github.com/i474232898/aqi-forecast/internal/registry"
	"github.com/i474232898/aqi-forecast/internal/scheduler"
	"github.com/i474232898/aqi-forecast/internal/store"
)

// backend is what both the MongoDB and the in-memory store provide.
type backend interface {
	pipeline.FeatureStore
	pipeline.PredictionSink
	registry.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log, syncLogs := logger.New(cfg.IsProduction())
	defer func() { _ = syncLogs() }()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc := cfg.Location()

	if cfg.GeocoderAPIKey != "" {
		coords, err := providers.ResolveCoordinates(cfg.GeocoderAPIKey, cfg.City, cfg.Country)
		if err != nil {
			log.Warn("geocoding failed; using configured coordinates", "error", err)
		} else {
			cfg.Latitude, cfg.Longitude = coords.Latitude, coords.Longitude
		}
	}
	log.Info("tracking city", "city", cfg.City, "lat", cfg.Latitude, "lon", cfg.Longitude, "timezone", loc.String())

	// Storage: MongoDB when configured, otherwise in memory with retention.
	var db backend
	if cfg.MongoURI != "" {
		mongoStore, err := store.ConnectMongo(ctx, store.MongoConfig{
			URI:                cfg.MongoURI,
			FeatureDatabase:    cfg.FeatureDatabase,
			ModelDatabase:      cfg.ModelDatabase,
			PredictionDatabase: cfg.PredictionDatabase,
			City:               cfg.City,
		}, log)
		if err != nil {
			log.Error("failed to connect to mongodb", "error", err)
			os.Exit(1)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoStore.Close(closeCtx)
		}()
		db = mongoStore
	} else {
		log.Warn("MONGODB_URI not set; using in-memory store")
		db = store.NewMemoryStore(cfg.StoreMaxRows, cfg.StoreMaxAge)
	}

	var pub pipeline.Publisher
	if cfg.RedisURL != "" {
		redisPub, err := publisher.ConnectRedis(ctx, cfg.RedisURL, cfg.RedisChannel, cfg.RedisLatestTTL, log)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisPub.Close()
		pub = redisPub
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	adjuster, err := inference.NewAdjuster(cfg.Diurnal, rand.NewSource(seed))
	if err != nil {
		log.Error("invalid diurnal configuration", "error", err)
		os.Exit(1)
	}

	reg := registry.New(db, cfg.City, log)
	svc := pipeline.NewService(pipeline.Deps{
		Store:       db,
		Predictions: db,
		Registry:    reg,
		Fetcher: providers.NewOpenMeteo(providers.OpenMeteoConfig{
			Latitude:  cfg.Latitude,
			Longitude: cfg.Longitude,
			Location:  loc,
			Client:    &http.Client{Timeout: cfg.HTTPTimeout},
		}, log),
		Constructor: features.NewConstructor(loc, cfg.City, log),
		Trainer:     model.NewTrainer(nil, log),
		Engine:      inference.NewEngine(adjuster, loc, cfg.City, log),
		Publisher:   pub,
		Location:    loc,
	}, pipeline.Options{
		RawLookbackHours: cfg.RawLookbackHours,
		ContextRows:      cfg.ContextRows,
		Horizon:          cfg.Horizon,
		BackfillMonths:   cfg.BackfillMonths,
		RetentionDays:    cfg.RetentionDays,
	}, log)

	if cfg.BackfillOnStart {
		for _, name := range []string{pipeline.Backfill, pipeline.Training} {
			if err := svc.Run(ctx, name); err != nil {
				log.Error("startup pipeline failed", "pipeline", name, "error", err)
			}
		}
	}

	sched := scheduler.New(svc, []scheduler.Job{
		{Pipeline: pipeline.Feature, Every: cfg.FeatureInterval, Immediately: true},
		{Pipeline: pipeline.Inference, Every: cfg.InferenceInterval, Immediately: true},
		{Pipeline: pipeline.Training, Every: cfg.TrainingInterval},
		{Pipeline: pipeline.Cleanup, Every: cfg.CleanupInterval},
	}, log)
	if err := sched.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "aqi-forecast",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Pipelines triggered over HTTP run to completion inside the request.
		WriteTimeout: 10 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, svc, reg)

	go func() {
		log.Info("http server listening", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("fiber server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
}
