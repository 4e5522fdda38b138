package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

func main() {
	var out io.Writer = os.Stdout
	if path := os.Getenv("LOG_FILE"); path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}
	logger := slog.New(slog.NewJSONHandler(out, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Market configuration ---
	cfg := config.Default()
	if path := os.Getenv("MARKETS_FILE"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			slog.Error("loading markets file", "path", path, "err", err)
			os.Exit(1)
		}
		slog.Info("loaded markets", "path", path, "perp", len(cfg.PerpMarkets), "spot", len(cfg.SpotMarkets))
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and oracle feeds) ---
	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if err := trade.Seed(ctx, st, cfg, time.Now().Unix()); err != nil {
		slog.Error("seeding markets failed", "err", err)
		os.Exit(1)
	}

	// --- Oracle ---
	var src oracle.Source
	if rdb != nil {
		src = oracle.NewRedisSource(rdb)
		slog.Info("reading oracle feeds from Redis")
	} else {
		prices, err := cfg.OraclePrices()
		if err != nil {
			slog.Error("invalid oracle price in config", "err", err)
			os.Exit(1)
		}
		mem := oracle.NewMemorySource()
		for feed, price := range prices {
			mem.Set(feed, model.OraclePriceData{Price: price, HasSufficientDataPoints: true})
		}
		src = mem
		slog.Warn("REDIS_URL not set, oracle prices fixed at configured values")
	}

	// --- Position limits ---
	maxPosition := decimal.Zero
	if v := os.Getenv("MAX_POSITION_BASE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			slog.Error("invalid MAX_POSITION_BASE", "value", v, "err", err)
			os.Exit(1)
		}
		maxPosition = d
	}
	limiter := limits.NewLimiter(maxPosition)

	// --- Event fan-out ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	sinks := events.Multi{wsHub}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.Name("perp-engine"))
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		sinks = append(sinks, events.NewNATSSink(nc))
		slog.Info("publishing events to NATS", "subject", events.SubjectPrefix+">")
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(st, src, limiter, sinks)

	if v := os.Getenv("KEEPER_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil || interval <= 0 {
			slog.Error("invalid KEEPER_INTERVAL", "value", v, "err", err)
			os.Exit(1)
		}
		go tradeSvc.RunKeeper(ctx, interval)
		slog.Info("keeper started", "interval", interval)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

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
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived, so kept outside the request timeout.
		r.Get("/events", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}
