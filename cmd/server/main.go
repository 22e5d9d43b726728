package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stratforge/paperbroker/internal/api"
	"github.com/stratforge/paperbroker/internal/broker"
	"github.com/stratforge/paperbroker/internal/config"
	"github.com/stratforge/paperbroker/internal/gateway"
	"github.com/stratforge/paperbroker/internal/ledger"
	"github.com/stratforge/paperbroker/internal/metrics"
	"github.com/stratforge/paperbroker/internal/portfolio"
	"github.com/stratforge/paperbroker/internal/quotes"
	"github.com/stratforge/paperbroker/internal/reconcile"
	"github.com/stratforge/paperbroker/internal/signals"
	"github.com/stratforge/paperbroker/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Ledger store ---
	var st ledger.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := ledger.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory ledger (data will not persist)")
		st = ledger.NewMemoryStore()
	}

	// --- Broker + quotes ---
	brk := broker.NewAlpacaClient(cfg.BrokerBaseURL, cfg.BrokerDataURL, cfg.BrokerAPIKey, cfg.BrokerAPISecret)

	var rdb *redis.Client
	var q quotes.Quoter = brk
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		q = quotes.NewCachedQuoter(brk, rdb, 5*time.Second)
		slog.Info("Redis quote cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := stream.NewHub()
	go hub.Run()

	// --- Services ---
	gw := gateway.NewService(st, brk, q, hub)
	pf := portfolio.NewService(st, q)
	srv := api.NewServer(gw, pf, st, cfg.StartingBalance)

	// --- Reconciliation poller ---
	poller := reconcile.New(st, brk, cfg.ReconcileInterval, cfg.ReconcileBatch, hub)
	go poller.Run(ctx)

	// --- Strategy signal consumer ---
	if rdb != nil {
		consumer := signals.NewConsumer(rdb, gw, cfg.SignalStream, cfg.SignalGroup, "gateway-1")
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("signal consumer exited", "err", err)
			}
		}()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paperbroker"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time order/settlement events.
		r.Get("/ws", hub.HandleWS)

		// Accounts.
		r.Post("/accounts", srv.CreateAccount)
		r.Get("/accounts/{userID}/balance", srv.GetBalance)

		// Order execution.
		r.Post("/orders", srv.PlaceOrder)
		r.Delete("/orders/{brokerOrderID}", srv.CancelOrder)

		// History and valuation.
		r.Get("/trades/{userID}", srv.ListTrades)
		r.Get("/portfolio/{userID}", srv.GetPortfolio)
	})

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paperbroker listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paperbroker...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paperbroker stopped")
}
