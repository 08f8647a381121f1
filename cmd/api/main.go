package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/katale-store/payments/internal/config"
	"github.com/katale-store/payments/internal/domain"
	"github.com/katale-store/payments/internal/handler"
	"github.com/katale-store/payments/internal/logging"
	"github.com/katale-store/payments/internal/middleware"
	"github.com/katale-store/payments/internal/provider"
	"github.com/katale-store/payments/internal/repository"
	"github.com/katale-store/payments/internal/service"
	"github.com/katale-store/payments/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("payments-api", cfg.LogLevel, cfg.AppEnv)

	db, err := connectDB(cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runMigrations(db); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	notifier, closeNotifier, err := buildNotifier(cfg)
	if err != nil {
		slog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer closeNotifier()

	transactions := repository.NewTransactionRepository(db)
	webhookEvents := repository.NewWebhookEventRepository(db)

	providers := provider.Registry{
		domain.ProviderMTN: provider.NewMTNClient(provider.MTNConfig{
			BaseURL:         cfg.MTNBaseURL,
			SubscriptionKey: cfg.MTNSubscriptionKey,
			APIUser:         cfg.MTNAPIUser,
			APIKey:          cfg.MTNAPIKey,
			TargetEnv:       cfg.MTNTargetEnv,
			CallbackURL:     cfg.MTNCallbackURL,
			Timeout:         cfg.ProviderTimeout,
			TokenTTLMargin:  cfg.TokenTTLMargin,
		}),
		domain.ProviderAirtel: provider.NewAirtelClient(provider.AirtelConfig{
			BaseURL:        cfg.AirtelBaseURL,
			ClientID:       cfg.AirtelClientID,
			ClientSecret:   cfg.AirtelClientSecret,
			Country:        cfg.AirtelCountry,
			CallbackURL:    cfg.AirtelCallbackURL,
			Timeout:        cfg.ProviderTimeout,
			TokenTTLMargin: cfg.TokenTTLMargin,
		}),
	}

	orchestrator := service.NewOrchestrator(transactions, providers, notifier)

	poller := service.NewPoller(transactions, providers, orchestrator, service.PollerConfig{
		ScanInterval:    cfg.PollScanInterval,
		InitiateGrace:   cfg.PollInitiateGrace,
		FastInterval:    cfg.PollFastInterval,
		FastAttempts:    cfg.PollFastAttempts,
		Multiplier:      cfg.PollMultiplier,
		MaxInterval:     cfg.PollMaxInterval,
		ExpiryWindow:    cfg.ExpiryWindow,
		ProviderTimeout: cfg.ProviderTimeout,
		BatchSize:       cfg.PollBatchSize,
	}, slog.Default())

	pollerCtx, stopPoller := context.WithCancel(context.Background())
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(pollerCtx)
	}()

	paymentHandler := handler.NewPaymentHandler(orchestrator)
	webhookHandler := handler.NewWebhookHandler(webhookEvents, orchestrator, map[domain.Provider]string{
		domain.ProviderMTN:    cfg.MTNWebhookSecret,
		domain.ProviderAirtel: cfg.AirtelWebhookSecret,
	})
	healthHandler := handler.NewHealthHandler(db)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)
	mux.HandleFunc("POST /api/v1/payments", paymentHandler.InitiatePayment)
	mux.HandleFunc("GET /api/v1/payments/{id}", paymentHandler.GetPayment)
	mux.HandleFunc("POST /api/v1/payments/{id}/cancel", paymentHandler.CancelPayment)
	mux.HandleFunc("POST /api/v1/webhooks/mtn", webhookHandler.ReceiveMTN)
	mux.HandleFunc("POST /api/v1/webhooks/airtel", webhookHandler.ReceiveAirtel)

	var root http.Handler = mux
	root = middleware.Recovery(root)
	root = middleware.Logging(root)
	root = middleware.Tracing(root)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	stopPoller()
	select {
	case <-pollerDone:
	case <-ctx.Done():
		slog.Warn("poller did not stop before deadline")
	}
	slog.Info("server stopped")
}

func connectDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connectDB: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeS) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTimeS) * time.Second)

	for i := range 30 {
		if err = db.Ping(); err == nil {
			return db, nil
		}
		slog.Info("waiting for database", "attempt", i+1)
		time.Sleep(time.Second)
	}

	db.Close()
	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", err)
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("runMigrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("runMigrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("runMigrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("runMigrations: %w", err)
	}
	return nil
}

func buildNotifier(cfg *config.Config) (service.Notifier, func(), error) {
	if cfg.AMQPURL == "" {
		slog.Warn("AMQP_URL not set, payment notifications will only be logged")
		return &service.LogNotifier{Logger: slog.Default()}, func() {}, nil
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("buildNotifier: %w", err)
	}

	notifier, err := service.NewAMQPNotifier(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("buildNotifier: %w", err)
	}

	return notifier, func() {
		notifier.Close()
		conn.Close()
	}, nil
}
