package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/retailassist/session-server-go/internal/config"
	"github.com/retailassist/session-server-go/internal/database"
	"github.com/retailassist/session-server-go/internal/events"
	"github.com/retailassist/session-server-go/internal/expiry"
	"github.com/retailassist/session-server-go/internal/handler"
	"github.com/retailassist/session-server-go/internal/jobs"
	"github.com/retailassist/session-server-go/internal/middleware"
	"github.com/retailassist/session-server-go/internal/redis"
	"github.com/retailassist/session-server-go/internal/registry"
	"github.com/retailassist/session-server-go/internal/repository"
	"github.com/retailassist/session-server-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var (
		sessionRepo  repository.SessionRepository
		customerRepo repository.CustomerRepository
	)
	if cfg.DurableEnabled() {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		cancel()
		log.Info().Msg("database connected")

		if cfg.RunMigrations {
			if err := database.Migrate(context.Background(), db); err != nil {
				log.Fatal().Err(err).Msg("failed to run migrations")
			}
		}

		sessionRepo = repository.NewSessionRepository(db.DB)
		customerRepo = repository.NewCustomerRepository(db.DB)
	} else {
		log.Warn().Msg("DATABASE_URL not set, sessions are kept in the registry only")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	var reg registry.Registry = registry.NewMemory()
	if cfg.RegistryBackend == config.RegistryBackendRedis {
		reg = registry.NewRedis(redisClient.Client)
	}
	log.Info().Str("backend", cfg.RegistryBackend).Msg("session registry ready")

	var known map[string]string
	if cfg.CustomerMapPath != "" {
		known, err = service.LoadCustomerMap(cfg.CustomerMapPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.CustomerMapPath).Msg("failed to load customer map")
		}
		log.Info().Int("count", len(known)).Msg("customer map loaded")
	}

	var (
		broker  *events.Broker
		limiter middleware.Limiter
	)
	if redisClient != nil {
		broker = events.NewBroker(redisClient.Client)
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
	} else {
		broker = events.NewBroker(nil)
		limiter = middleware.NewMemoryRateLimiter()
	}
	defer broker.Close()

	sessionService := service.NewSessionService(
		reg,
		service.NewPersister(sessionRepo, cfg.DurableTimeout()),
		service.NewCustomerService(customerRepo, known),
		broker,
		expiry.NewPolicy(cfg.SessionWindow()),
	)

	startLimiter := middleware.NewIPRateLimitMiddleware(limiter, cfg.StartRateLimit, "session-start")
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	sessionHandler := handler.NewSessionHandler(sessionService, startLimiter.Handler)
	eventsHandler := handler.NewEventsHandler(broker, sessionService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/session", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)

		// event streams are long-lived and stay outside the request timeout
		r.With(middleware.SessionToken, middleware.RequireSessionToken).Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/", sessionHandler.Routes())
		})
	})

	cleanupJob := jobs.NewCleanupJob(reg, sessionRepo, cfg.EndedRetention(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()

		// close event streams first so Shutdown does not wait on them
		broker.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		if err := sessionService.Wait(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("pending durable writes abandoned")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
