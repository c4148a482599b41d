package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bollar/cdp-engine/internal/api"
	"github.com/bollar/cdp-engine/internal/config"
	"github.com/bollar/cdp-engine/internal/events"
	"github.com/bollar/cdp-engine/internal/ledger"
	"github.com/bollar/cdp-engine/internal/liquidation"
	"github.com/bollar/cdp-engine/internal/metrics"
	"github.com/bollar/cdp-engine/internal/pricefeed"
	"github.com/bollar/cdp-engine/internal/protocol"
	"github.com/bollar/cdp-engine/internal/settlement"
	"github.com/bollar/cdp-engine/internal/store"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "cdp-engine",
		Short:        "Bitcoin-collateralized stablecoin engine",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event fan-out ---
	hub := events.NewHub(logger, cfg.Server.AllowedOrigins...)
	go hub.Run(ctx)
	publisher := events.Multi{hub}

	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, "cdp-engine", logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		publisher = append(publisher, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, logger))
		slog.Info("publishing events to NATS", "url", cfg.NATS.URL)
	}

	// --- Ledger ---
	l := ledger.New(cfg.Protocol, st, logger)
	l.SetCommitTimeout(cfg.Ledger.CommitTimeout)
	if err := l.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	// --- Price feed ---
	var source pricefeed.Source
	switch cfg.Oracle.Source {
	case "http":
		source = pricefeed.NewHTTPSource("http", cfg.Oracle.URL, &http.Client{Timeout: cfg.Oracle.FetchTimeout})
	default:
		slog.Warn("using static price source", "price_cents", cfg.Oracle.StaticPriceCents)
		source = pricefeed.StaticSource{PriceCents: cfg.Oracle.StaticPriceCents, Confidence: 100}
	}
	feed := pricefeed.New(cfg.FeedConfig(), source, st, logger)
	if err := feed.Restore(ctx); err != nil {
		slog.Warn("price record not restored", "err", err)
	}

	// --- Settlement ---
	// The in-memory collaborators stand in for the chain watcher, the
	// custody wallet and the token contract until those are deployed.
	verifier := settlement.NewStaticVerifier()
	verifier.AutoConfirm = cfg.Settlement.AutoConfirmDeposits
	settler := settlement.New(cfg.SettlerConfig(), verifier, settlement.NewMemoryTransfers(), settlement.NewMemoryTokens(), st, logger)

	// --- Protocol ---
	network := cfg.Network()
	engine := liquidation.NewEngine(l, feed, settler, publisher, &network, logger)
	paused, _ := cfg.PausedOperations()
	svc := protocol.New(protocol.Config{Network: network, Paused: paused, Operators: cfg.Operators}, l, feed, engine, settler, publisher, logger)

	keeper := liquidation.NewKeeper(engine, cfg.KeeperConfig(), publisher, logger)
	feed.OnUpdate(svc.PriceHook())
	feed.OnUpdate(keeper.OnPriceUpdate)

	go feed.Run(ctx)
	go settler.Run(ctx)
	go keeper.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cdp-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	if len(cfg.Oracle.Submitters) == 0 {
		slog.Info("oracle.submitters not set, price push endpoint disabled")
	}
	handler := api.NewHandler(svc, feed, cfg.Oracle.Submitters)
	r.Route("/api/v1", func(r chi.Router) {
		// The websocket stream outlives the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("cdp-engine listening", "port", cfg.Server.Port, "network", network.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	slog.Info("shutting down cdp-engine...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancel()
	slog.Info("cdp-engine stopped")
	return nil
}

// openStore selects PostgreSQL, optionally behind a Redis read-through
// cache, or the in-memory store when no database is configured.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	var cleanup []func()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Database.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Database.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, 30*time.Second)
		slog.Info("Redis cache enabled")
	}
	return st, cleanup, nil
}

// cors allows the configured origins, or any origin when none are set.
func cors(allowed []string) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[strings.TrimSpace(o)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); len(origins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
