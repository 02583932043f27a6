package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/adforge/api/internal/client"
	"github.com/adforge/api/internal/config"
	"github.com/adforge/api/internal/handler"
	"github.com/adforge/api/internal/idempotency"
	"github.com/adforge/api/internal/jobs"
	applog "github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/middleware"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/notify"
	"github.com/adforge/api/internal/repository"
	"github.com/adforge/api/internal/resilience"
	"github.com/adforge/api/internal/service"
	"github.com/adforge/api/internal/telemetry"
	ws "github.com/adforge/api/internal/websocket"
	"github.com/adforge/api/internal/worker"
)

// @title          AdForge API
// @version        1.0
// @description    Asynchronous AI ad generation jobs.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := applog.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, cfg.Server.Name, cfg.Server.Env)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis not available")
	}

	store, err := openJobStore(ctx, cfg, redisClient, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open job store")
	}

	// Job registry, with the WebSocket hub observing every write
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	registry := jobs.NewRegistry(store, jobs.Config{
		ActiveQuota: cfg.Jobs.ActiveQuota,
		Expiry:      cfg.Jobs.Expiry,
		Retention:   cfg.Jobs.Retention,
	}, log, jobs.WithObserver(hub))

	// Critical failure sinks
	sinks := notify.Multi{notify.NewLogSink(log)}
	if cfg.AMQP.URL != "" {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			log.WithError(err).Warn("RabbitMQ not available, alerts stay in the log")
		} else {
			defer conn.Close()
			sink, err := openAMQPSink(conn, cfg.AMQP.Exchange)
			if err != nil {
				log.WithError(err).Warn("RabbitMQ alert sink not initialized")
			} else {
				sinks = append(sinks, sink)
			}
		}
	}
	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Server.Env,
			ServerName:  cfg.Server.Name,
		})
		if err != nil {
			log.WithError(err).Warn("Sentry not initialized")
		} else {
			defer sentry.Flush(2 * time.Second)
			sinks = append(sinks, notify.NewSentrySink(nil))
		}
	}

	orchestrator := resilience.NewOrchestrator([]resilience.Policy{
		policyFrom(resilience.DefaultContentPolicy(), cfg.Resilience.Content),
		policyFrom(resilience.DefaultImagePolicy(), cfg.Resilience.Image),
	}, registry, sinks, log)

	idem := idempotency.NewStore(idempotency.NewRedisCache(redisClient), cfg.Idempotency.TTL, log)

	contentClient := client.NewContentClient(&cfg.Content, log)
	imageClient := client.NewImageClient(&cfg.Image, log)
	if !contentClient.IsConfigured() {
		log.Info("Content provider not configured, using mock content")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	validate := validator.New()

	generationService := service.NewGenerationService(registry, asynqClient, inspector, cfg.Jobs.Retention, log)
	jobsHandler := handler.NewJobsHandler(generationService, validate, log)

	var authMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		log.Info("Gateway mode enabled, using header-based auth")
		authMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		auth := middleware.NewAuthMiddleware(cfg.JWT.Secret, time.Duration(cfg.JWT.Expiration)*time.Hour)
		authMiddleware = auth.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"content": contentClient.IsConfigured(),
				"image":   imageClient.IsConfigured(),
				"store":   cfg.Store.Driver,
			},
			"breakers": fiber.Map{
				resilience.OperationContent: orchestrator.BreakerState(resilience.OperationContent),
				resilience.OperationImage:   orchestrator.BreakerState(resilience.OperationImage),
			},
		})
	})

	api := app.Group("/api", authMiddleware)
	jobsHandler.Register(api.Group("/ads/async"), rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", authMiddleware, func(c *fiber.Ctx) error {
		job, err := registry.GetOwned(c.UserContext(), c.Params("jobId"), middleware.GetOwnerID(c))
		if err != nil {
			return fiber.ErrNotFound
		}
		c.Locals("job", job)
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Locals("job").(*model.Job))
	}))

	// Workers and the periodic sweep
	generationWorker := worker.NewGenerationWorker(registry, orchestrator, idem, contentClient, imageClient, validate, log)
	sweepWorker := worker.NewSweepWorker(registry, log)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      cfg.Worker.Queues,
		Logger:      log,
		LogLevel:    asynqLogLevel(log.GetLevel()),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeContentGeneration, generationWorker.ProcessContentTask)
	mux.HandleFunc(service.TaskTypeImageGeneration, generationWorker.ProcessImageTask)
	mux.HandleFunc(service.TaskTypeSweep, sweepWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		log.WithError(err).Fatal("Failed to start worker server")
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: log, LogLevel: asynqLogLevel(log.GetLevel())})
	if _, err := worker.RegisterSweep(scheduler, cfg.Jobs.SweepInterval); err != nil {
		log.WithError(err).Fatal("Failed to schedule job sweep")
	}
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start scheduler")
	}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.WithField("addr", addr).Info("Server starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Error("Server error")
	}

	scheduler.Shutdown()
	srv.Shutdown()
}

// openJobStore selects the job store backend from config
func openJobStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client, log logrus.FieldLogger) (jobs.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("Using in-memory job store, jobs are lost on restart")
		return repository.NewMemoryJobStore(), nil
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := repository.NewPostgresJobStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate job table: %w", err)
		}
		return store, nil
	case "redis", "":
		return repository.NewRedisJobStore(redisClient, cfg.Jobs.Retention), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openAMQPSink(conn *amqp.Connection, exchange string) (*notify.AMQPSink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return notify.NewAMQPSink(ch, exchange)
}

// policyFrom overrides the non-zero fields of base with c
func policyFrom(base resilience.Policy, c config.PolicyConfig) resilience.Policy {
	if c.Timeout > 0 {
		base.Timeout = c.Timeout
	}
	if c.MaxAttempts > 0 {
		base.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		base.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		base.MaxBackoff = c.MaxBackoff
	}
	if c.BreakerMinRequests > 0 {
		base.Breaker.MinRequests = c.BreakerMinRequests
	}
	if c.BreakerFailureRatio > 0 {
		base.Breaker.FailureRatio = c.BreakerFailureRatio
	}
	if c.BreakerInterval > 0 {
		base.Breaker.Interval = c.BreakerInterval
	}
	if c.BreakerCooldown > 0 {
		base.Breaker.Cooldown = c.BreakerCooldown
	}
	return base
}

func asynqLogLevel(level logrus.Level) asynq.LogLevel {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return asynq.DebugLevel
	case logrus.WarnLevel:
		return asynq.WarnLevel
	case logrus.ErrorLevel:
		return asynq.ErrorLevel
	case logrus.FatalLevel, logrus.PanicLevel:
		return asynq.FatalLevel
	default:
		return asynq.InfoLevel
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
