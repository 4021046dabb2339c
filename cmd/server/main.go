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
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/chain"
	"github.com/inflationmarket/risk-engine/internal/config"
	"github.com/inflationmarket/risk-engine/internal/instrument"
	"github.com/inflationmarket/risk-engine/internal/ledger"
	"github.com/inflationmarket/risk-engine/internal/margin"
	"github.com/inflationmarket/risk-engine/internal/metrics"
	"github.com/inflationmarket/risk-engine/internal/model"
	"github.com/inflationmarket/risk-engine/internal/monitor"
	"github.com/inflationmarket/risk-engine/internal/risk"
	"github.com/inflationmarket/risk-engine/internal/riskmath"
	"github.com/inflationmarket/risk-engine/internal/syncer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	// --- Position and market data sources ---
	var marketData chain.MarketData
	var positions chain.PositionSource
	var cleanup []func()

	if cfg.Postgres.Enabled() {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.DSN())
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		src := chain.NewPostgresSource(pool)
		marketData, positions = src, src
		slog.Info("connected to indexer PostgreSQL")

		// Wrap with Redis read-through snapshot cache if configured.
		if cfg.Redis.Enabled() {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr(),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cleanup = append(cleanup, func() { rdb.Close() })
			marketData = chain.NewCachedMarketData(marketData, rdb, cfg.Redis.TTL)
			slog.Info("Redis snapshot cache enabled")
		}
	} else {
		slog.Warn("POSTGRES_HOST not set, using in-memory source (positions will not persist)")
		src := chain.NewMemorySource()
		if cfg.App.Env == "development" {
			seedDemo(src)
		}
		marketData, positions = src, src
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Risk parameters ---
	mmr, err := decimal.NewFromString(cfg.Risk.MaintenanceMarginRatio)
	if err != nil {
		slog.Error("invalid MAINTENANCE_MARGIN_RATIO", "err", err)
		os.Exit(1)
	}
	buffer, err := decimal.NewFromString(cfg.Risk.SafetyBuffer)
	if err != nil {
		slog.Error("invalid MARGIN_SAFETY_BUFFER", "err", err)
		os.Exit(1)
	}
	maxLev, err := decimal.NewFromString(cfg.Risk.MaxLeverage)
	if err != nil {
		slog.Error("invalid MAX_LEVERAGE", "err", err)
		os.Exit(1)
	}

	calc := riskmath.NewCalculator(mmr)
	validator := margin.NewValidator(calc, buffer, maxLev)

	// --- WebSocket hub ---
	wsHub := risk.NewWSHub()
	go wsHub.Run()

	// --- Ledger, monitor, pollers ---
	led := ledger.New()
	monCfg := monitor.DefaultConfig()
	monCfg.ClearAfter = cfg.Risk.AlertClearAfter
	mon := monitor.New(led, calc, monCfg, wsHub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, inst := range instrument.All() {
		p := monitor.NewPoller(inst.Ticker, marketData, mon, cfg.Poller.Interval, cfg.Poller.FetchTimeout)
		go p.Run(ctx)
	}

	// --- Position syncer ---
	sync := syncer.New(positions, led)
	events := make(chan chain.PositionEvent, 64)
	go sync.Run(ctx, events)
	// TODO: replace the internal channel with the indexer's NOTIFY feed
	// once the indexer publishes lifecycle events.

	if !cfg.Postgres.Enabled() && cfg.App.Env == "development" {
		if err := sync.Resync(ctx, demoAccount); err != nil {
			slog.Warn("demo resync failed", "err", err)
		}
	}

	// --- Risk service ---
	riskSvc := risk.NewService(led, mon, validator, calc)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"risk-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time alert updates.
		r.Get("/ws", wsHub.HandleWS)

		riskSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("risk-engine listening", "addr", cfg.HTTP.Addr(), "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop pollers and the syncer before the listener
	// so no snapshot lands mid-teardown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	slog.Info("shutting down risk-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("risk-engine stopped")
}

const demoAccount = "0xdemo"

// seedDemo publishes one snapshot and one open position per tracked
// instrument so a development instance has data before any indexer is
// wired up.
func seedDemo(src *chain.MemorySource) {
	now := time.Now().UTC()
	for _, inst := range instrument.All() {
		price := decimal.NewFromInt(100)
		src.SetSnapshot(model.MarketSnapshot{
			Instrument:             inst.Ticker,
			IndexPrice:             price,
			MarkPrice:              price,
			CumulativeFundingIndex: decimal.Zero,
			Timestamp:              now,
		})
		src.SetPosition(demoAccount, model.Position{
			ID:         uuid.New().String(),
			Instrument: inst.Ticker,
			Direction:  model.DirectionLong,
			Collateral: decimal.NewFromInt(1000),
			Size:       decimal.NewFromInt(5000),
			Leverage:   decimal.NewFromInt(5),
			EntryPrice: price,
			OpenedAt:   now,
		})
	}
	slog.Info("seeded demo positions", "account", demoAccount)
}
