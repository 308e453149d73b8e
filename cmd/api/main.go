package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatflow-platform/internal/audit"
	"chatflow-platform/internal/auth"
	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/config"
	"chatflow-platform/internal/delivery"
	"chatflow-platform/internal/flow"
	"chatflow-platform/internal/gateway"
	"chatflow-platform/internal/httpapi"
	"chatflow-platform/internal/ingest"
	"chatflow-platform/internal/messages"
	"chatflow-platform/internal/pipeline"
	"chatflow-platform/internal/pricing"
	"chatflow-platform/internal/reporting"
	"chatflow-platform/internal/sessions"
	"chatflow-platform/pkg/logger"
	"chatflow-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	// Fail fast: a malformed endpoint must stop the process before it serves.
	gw, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:       cfg.Gateway.BaseURL,
		APIKey:        cfg.Gateway.APIKey,
		Timeout:       cfg.Gateway.SendTimeout,
		RatePerSecond: cfg.Gateway.SendRatePerSecond,
	})
	if err != nil {
		log.Error("gateway client init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Storage
	msgRepo := messages.NewPostgresRepo(db)
	ledger := billing.NewPostgresLedger(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	// Billing
	pricer := pricing.NewService(pricing.NewPostgresRepo(db), pricing.Rate{
		PricePerThousandMinor: cfg.Pricing.PricePerThousandTokensMinor,
		MinimumChargeMinor:    cfg.Pricing.MinimumChargeMinor,
	})
	billingSvc := billing.NewService(ledger, pricer, billing.NewRedisThrottle(rdb), auditSvc)

	// Conversation processing
	store := sessions.NewStore(
		sessions.NewPostgresRepo(db),
		sessions.NewRedisLocker(rdb, cfg.Lock.TTL, cfg.Lock.WaitTimeout),
		cfg.Flow.SessionTTL,
	)
	catalog := flow.NewCatalog(flow.NewPostgresRepo(db), cfg.Flow.CacheTTL)
	reporter := delivery.NewReporter(gw, msgRepo, auditSvc, delivery.Policy{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		InitialBackoff: cfg.Delivery.InitialBackoff,
		MaxBackoff:     cfg.Delivery.MaxBackoff,
	})
	processor := pipeline.New(pipeline.Deps{
		Ingest:   ingest.NewService(ingest.NewPostgresDeviceRepo(db), msgRepo),
		Messages: msgRepo,
		Sessions: store,
		Catalog:  catalog,
		Engine:   flow.NewEngine(cfg.Flow.MaxHops),
		Delivery: reporter,
		Billing:  billingSvc,
		Alerts:   auditSvc,
	})

	handlers := httpapi.Handlers{
		Auth:    authManager,
		Billing: billingSvc,
		Reports: reporting.NewService(reporting.Sources{Ledger: ledger, Messages: msgRepo}),
		Flows:   catalog,
		Sender:  processor,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/readyz"))

	registerRoutes(r, handlers,
		gateway.WebhookHandler{Processor: processor, Secret: cfg.Gateway.WebhookSecret},
		auth.RequireAccessToken(authManager),
		map[string]func(context.Context) error{
			"postgres": func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Webhook processing includes outbound sends with retries.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
