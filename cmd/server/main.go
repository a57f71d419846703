package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/walletdoctor/position-engine/internal/api"
	"github.com/walletdoctor/position-engine/internal/cache"
	"github.com/walletdoctor/position-engine/internal/clock"
	"github.com/walletdoctor/position-engine/internal/config"
	"github.com/walletdoctor/position-engine/internal/costbasis"
	"github.com/walletdoctor/position-engine/internal/ingest"
	"github.com/walletdoctor/position-engine/internal/metrics"
	"github.com/walletdoctor/position-engine/internal/pnl"
	"github.com/walletdoctor/position-engine/internal/position"
	"github.com/walletdoctor/position-engine/internal/price"
	"github.com/walletdoctor/position-engine/internal/snapshot"
	"github.com/walletdoctor/position-engine/internal/store"
)

func main() {
	defaultPath := os.Getenv("POSENGINE_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.toml"
	}
	configPath := flag.String("config", defaultPath, "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System{}
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Trade store ---
	var st store.Store
	var pool *pgxpool.Pool

	if cfg.Database.DSN != "" {
		pcfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			slog.Error("invalid database dsn", "err", err)
			os.Exit(1)
		}
		pcfg.MaxConns = int32(cfg.Database.MaxConns)
		pool, err = pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Database.InitSchema {
			if err := pg.InitSchema(ctx); err != nil {
				slog.Error("schema init failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL", "max_conns", cfg.Database.MaxConns)
	} else {
		slog.Warn("database.dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache degrades to local-only; prices fall through to other providers.
			slog.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "err", err)
		} else {
			slog.Info("connected to Redis", "addr", cfg.Redis.Addr)
		}
	}

	// --- Price providers, highest priority first ---
	var providers []price.Provider
	var recorders []price.Recorder

	if cfg.Pricing.StreamURL != "" {
		stream := price.NewStreamProvider(cfg.Pricing.StreamURL, cfg.Pricing.StreamMaxAge.Duration, clk, logger)
		go stream.Run(ctx)
		providers = append(providers, stream)
	}
	if cfg.Pricing.AggregatorURL != "" {
		client := &http.Client{Timeout: cfg.Pricing.ProviderTimeout.Duration}
		providers = append(providers, price.NewAggregatorProvider("aggregator", cfg.Pricing.AggregatorURL, cfg.Pricing.AggregatorAPIKey, client))
	}
	if rdb != nil {
		shared := price.NewRedisProvider(rdb, cfg.Pricing.SharedPriceTTL.Duration)
		providers = append(providers, shared)
		recorders = append(recorders, shared)
	}
	if pool != nil {
		hist := price.NewHistoryProvider(pool, cfg.Pricing.HistoryMaxAge.Duration)
		providers = append(providers, hist)
		recorders = append(recorders, hist)
	}

	resolver, err := price.NewResolver(providers, price.Options{
		ProviderTimeout: cfg.Pricing.ProviderTimeout.Duration,
		MemoTTL:         cfg.Pricing.MemoTTL.Duration,
		Recorders:       recorders,
		Clock:           clk,
		Logger:          logger,
	})
	if err != nil {
		slog.Error("price resolver", "err", err)
		os.Exit(1)
	}
	slog.Info("price providers configured", "providers", strings.Join(resolver.Providers(), ","))

	// --- Position pipeline ---
	calc, err := costbasis.NewCalculator(cfg.Method())
	if err != nil {
		slog.Error("cost basis", "err", err)
		os.Exit(1)
	}
	builder := position.NewBuilder(calc, logger)
	pnlCalc := pnl.NewCalculator(resolver, pnl.Options{
		Concurrency:      cfg.Pricing.BatchConcurrency,
		Deadline:         cfg.Pricing.BatchDeadline.Duration,
		DustThresholdUSD: cfg.Display.DustThresholdUSD,
		Clock:            clk,
		Logger:           logger,
	})
	engine := snapshot.NewEngine(st, builder, pnlCalc, clk, logger)

	// --- Snapshot cache ---
	cacheOpts := cache.Options{
		TTL:            cfg.Cache.TTL.Duration,
		MaxEntries:     cfg.Cache.MaxEntries,
		RefreshTimeout: cfg.Cache.RefreshTimeout.Duration,
		Clock:          clk,
		Logger:         logger,
	}
	if cfg.Cache.MirrorEnabled && rdb != nil {
		cacheOpts.Mirror = cache.NewRedisMirror(rdb, cfg.Cache.MirrorRetention.Duration)
		slog.Info("snapshot mirror enabled")
	}
	positions, err := cache.New(engine.Compute, cacheOpts)
	if err != nil {
		slog.Error("position cache", "err", err)
		os.Exit(1)
	}

	// --- Ingestion and API ---
	ingester := ingest.NewService(st, positions, logger)

	apiSvc := api.NewService(positions, engine, ingester, clk, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"position-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", apiSvc.Routes)

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("position-engine listening",
			"port", port,
			"cost_basis_method", string(cfg.Method()),
			"cache_ttl", cfg.Cache.TTL.Duration.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()

	slog.Info("shutting down position-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancel()
	positions.Close()
	fmt.Println("position-engine stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
