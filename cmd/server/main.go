package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/kosarica/game-ingest/config"
	_ "github.com/kosarica/game-ingest/docs"
	"github.com/kosarica/game-ingest/internal/database"
	"github.com/kosarica/game-ingest/internal/handlers"
	"github.com/kosarica/game-ingest/internal/ingestrun"
	"github.com/kosarica/game-ingest/internal/middleware"
	"github.com/kosarica/game-ingest/internal/model"
	"github.com/kosarica/game-ingest/internal/orchestrator"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/providers/giantbomb"
	"github.com/kosarica/game-ingest/internal/providers/igdb"
	"github.com/kosarica/game-ingest/internal/providers/itad"
	"github.com/kosarica/game-ingest/internal/providers/nexarda"
	"github.com/kosarica/game-ingest/internal/providers/psstore"
	"github.com/kosarica/game-ingest/internal/providers/rawg"
	"github.com/kosarica/game-ingest/internal/providers/steam"
	"github.com/kosarica/game-ingest/internal/providers/tgdb"
	"github.com/kosarica/game-ingest/internal/providers/xbox"
	"github.com/kosarica/game-ingest/internal/queue"
	"github.com/kosarica/game-ingest/internal/schema"
	"github.com/kosarica/game-ingest/internal/sweepers"
	"github.com/kosarica/game-ingest/internal/telemetry"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := initLogger(cfg.Logging)
	logger.Info().Msg("Starting ingestion worker...")

	shutdownTelemetry := telemetry.MustInit(context.Background(), telemetry.GetConfigFromEnv())
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	dbURL := config.GetDatabaseURL()
	if dbURL == "" {
		logger.Fatal().Msg("no database URL: set SUPABASE_IPV6_DB, SUPABASE_DB_URL, or DATABASE_URL")
	}

	ctx := context.Background()
	if err := database.Connect(
		ctx,
		dbURL,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.MaxConnLifetime,
		cfg.Database.MaxConnIdleTime,
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()
	logger.Info().Msg("Database connected")

	db := database.Pool()
	probe := schema.NewProbe(db)
	caps, err := probe.Resolve(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to probe schema capabilities")
	}

	q := queue.New(db, cfg.Queue.Name)
	if err := q.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure queue schema")
	}

	handlerTable := buildHandlerTable(db, caps, *logger)
	workerCfg := queue.WorkerConfig{
		VT:            cfg.Queue.VT(),
		PollInterval:  cfg.Queue.PollInterval(),
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryBaseSecs: cfg.Queue.RetryBaseSecs,
		RetryMaxSecs:  cfg.Queue.RetryMaxSecs,
	}
	worker := queue.NewWorker(q, workerCfg, handlerTable, *logger)

	sweeper := sweepers.NewTaskQueueSweeper(q, *logger, 30*time.Second, workerCfg.MaxRetries)
	sweeperCtx, cancelSweeper := context.WithCancel(ctx)
	go sweeper.Start(sweeperCtx)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	go func() {
		if err := worker.Run(workerCtx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("worker loop exited")
		}
	}()

	if cfg.Logging.Level == "info" || cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	setupMiddleware(router, logger)

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	admin := router.Group("/")
	admin.Use(middleware.InternalAuthMiddleware())
	admin.Use(middleware.ServiceRateLimitMiddleware(50, 100))
	worker.RegisterRoutes(admin)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")
	cancelWorker()
	cancelSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Shutdown complete")
}

// providerTasks lists the task names each provider's queue jobs may carry
// (spec §6.2 IngestJob.task vocabulary: "all" | "catalog" | "prices" |
// "ratings" | "backfill" | "range" | "json", narrowed per provider to the
// modes that provider actually has). Every task for a given provider routes
// to the same RunFromEnv call: adapters don't branch on job.Task the way
// they branch on env (e.g. STEAM_BACKFILL), so a caller picks the task by
// also setting the env overrides that task implies via job.Args, which
// scopedEnv (internal/queue/worker.go) applies for the duration of the run.
// "all" is always accepted as the provider's default, full-sync behavior.
var providerTasks = map[string][]string{
	providers.SlugSteam:     {"all", "catalog", "prices", "backfill"},
	providers.SlugPSStore:   {"all", "catalog", "prices"},
	providers.SlugXbox:      {"all", "catalog", "range", "json"},
	providers.SlugIGDB:      {"all", "catalog", "backfill", "range"},
	providers.SlugNexarda:   {"all", "catalog", "prices", "json"},
	providers.SlugGiantBomb: {"all", "catalog", "ratings"},
	providers.SlugRAWG:      {"all", "catalog", "ratings"},
	providers.SlugTGDB:      {"all", "catalog", "ratings"},
	providers.SlugITAD:      {"all", "catalog", "prices"},
}

// buildHandlerTable maps "<provider>:<task>" to each adapter's RunFromEnv
// for every task in that provider's providerTasks entry, keyed by the queue
// worker's dispatch contract (spec §4.7, §6.2 IngestJob shape). A job whose
// (provider, task) pair isn't in providerTasks is the unknown-handler hard
// error the worker already archives without retry.
func buildHandlerTable(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) map[string]queue.HandlerFunc {
	recorder := ingestrun.New(db, log)

	adapters := map[string]orchestrator.Runner{
		providers.SlugSteam:     steam.New(db, caps, log),
		providers.SlugPSStore:   psstore.New(db, caps, log),
		providers.SlugXbox:      xbox.New(db, caps, log),
		providers.SlugIGDB:      igdb.New(db, caps, log),
		providers.SlugNexarda:   nexarda.New(db, caps, log),
		providers.SlugGiantBomb: giantbomb.New(db, caps, log),
		providers.SlugRAWG:      rawg.New(db, caps, log),
		providers.SlugTGDB:      tgdb.New(db, caps, log),
		providers.SlugITAD:      itad.New(db, caps, log),
	}

	table := make(map[string]queue.HandlerFunc, len(adapters)*3)
	for slug, adapter := range adapters {
		a := adapter
		handler := func(ctx context.Context, job model.IngestJob) (int, error) {
			return a.RunFromEnv(ctx, recorder)
		}
		tasks := providerTasks[slug]
		if len(tasks) == 0 {
			tasks = []string{"all"}
		}
		for _, task := range tasks {
			table[slug+":"+task] = handler
		}
	}
	return table
}

func initLogger(cfg config.LoggingConfig) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &logger
}

func setupMiddleware(router *gin.Engine, logger *zerolog.Logger) {
	router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		end := time.Now()
		latency := end.Sub(start)

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	})
}
