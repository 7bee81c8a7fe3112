package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ledgertx/backend/docs"
	"github.com/ledgertx/backend/internal/config"
	"github.com/ledgertx/backend/internal/database"
	"github.com/ledgertx/backend/internal/handlers"
	"github.com/ledgertx/backend/internal/logger"
	"github.com/ledgertx/backend/internal/metrics"
	mW "github.com/ledgertx/backend/internal/middleware"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/services"
	"github.com/ledgertx/backend/internal/store"
	"github.com/ledgertx/backend/internal/store/memory"
	"github.com/ledgertx/backend/internal/store/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"
)

// @title Ledger API
// @version 1.0
// @description Multi-currency double-entry ledger with idempotent writes and a transactional outbox
// @host localhost:8080
// @BasePath /v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// Demo accounts seeded on startup when enabled.
var demoAccounts = []models.Account{
	{ID: uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"), Holder: "Holder A", Currency: "DOP", Balance: decimal.RequireFromString("1000.00")},
	{ID: uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"), Holder: "Holder B", Currency: "DOP", Balance: decimal.Zero},
	{ID: uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc"), Holder: "Holder C", Currency: "USD", Balance: decimal.RequireFromString("500.00")},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logger.NewWithConfig(logger.Config{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Service: "ledger",
		Version: docs.SwaggerInfo.Version,
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient := database.InitRedis(ctx, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	pairs, err := services.ParseRatePairs(cfg.Ledger.FxRates)
	if err != nil {
		return err
	}
	ledger := services.NewDoubleLedgerService(st, services.NewStaticRates(pairs), services.LedgerConfig{
		BaseCurrency:      cfg.Ledger.BaseCurrency,
		RoundingAccountID: cfg.Ledger.RoundingAccountID,
	}, log, m)

	if err := ledger.EnsureRoundingAccount(ctx); err != nil {
		return err
	}
	if cfg.Ledger.SeedDemoAccounts {
		for _, acc := range demoAccounts {
			if err := ledger.EnsureAccount(ctx, acc); err != nil {
				return err
			}
		}
	}

	authService := services.NewAuthService([]byte(cfg.JWT.Secret), cfg.JWT.Expiry, services.DefaultArgon2Params(), log)
	roles := map[string]string{"teller": models.RoleTeller, "auditor": models.RoleAuditor}
	for username, password := range cfg.DemoUsers {
		if err := authService.AddUser(username, password, roles[username]); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, log, st, ledger, authService, redisClient, registry, m),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Str("store", cfg.StoreBackend).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Outbox.Enabled {
		var sink services.Sink = services.NewLogSink(log)
		if cfg.Outbox.WebhookURL != "" {
			sink = services.NewWebhookSink(services.WebhookConfig{URL: cfg.Outbox.WebhookURL}, nil, log)
		}
		publisher := services.NewOutboxPublisher(st, sink, services.OutboxConfig{
			PollInterval:    cfg.Outbox.PollInterval,
			BatchSize:       cfg.Outbox.BatchSize,
			DeliveryTimeout: cfg.Outbox.DeliveryTimeout,
		}, log, m)
		g.Go(func() error { return publisher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.StoreBackend != "postgres" {
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return memory.New(), func() {}, nil
	}

	db, err := database.InitDB(ctx, database.GetConfig(), log)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgres.New(db), closeDB(db, log), nil
}

func closeDB(db *sql.DB, log zerolog.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
}

func newRouter(
	cfg *config.Config,
	log zerolog.Logger,
	st store.Store,
	ledger *services.DoubleLedgerService,
	authService *services.AuthService,
	redisClient *redis.Client,
	registry *prometheus.Registry,
	m *metrics.Metrics,
) http.Handler {
	accountHandler := handlers.NewAccountHandler(ledger)
	queryHandler := handlers.NewQueryHandler(services.NewReadService(st))
	authHandler := handlers.NewAuthHandler(authService)
	webhookHandler := handlers.NewWebhookHandler(log)
	gate := mW.NewIdempotencyGate(st, redisClient, cfg.Idempotency.ClaimTTL, log, m)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mW.IdempotencyKeyHeader},
		ExposedHeaders:   []string{mW.ReplayedHeader},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			services.SendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		services.SendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/v1", func(r chi.Router) {
		// Public endpoints
		r.Post("/auth/token", authHandler.Token)
		r.Post("/webhooks/test", webhookHandler.Receive)
		r.Post("/accounts", accountHandler.CreateAccount)
		r.Get("/accounts/{id}", accountHandler.GetAccount)
		r.Get("/ledger", queryHandler.Ledger)

		// Balance-moving endpoints require an Idempotency-Key
		r.Group(func(r chi.Router) {
			r.Use(gate.Handler)
			r.Post("/accounts/{id}/deposits", accountHandler.Deposit)
			r.Post("/accounts/{id}/withdrawals", accountHandler.Withdraw)
			r.Post("/transfers", accountHandler.Transfer)
		})

		// Auditor-only history
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth([]byte(cfg.JWT.Secret)))
			r.Use(mW.RequireRole(models.RoleAuditor))
			r.Get("/accounts/{id}/transactions", queryHandler.AccountTransactions)
		})
	})

	return r
}
