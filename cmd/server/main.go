package main

import (
	"context"
	"errors"
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bitpredict/market-ledger/internal/amm"
	"github.com/bitpredict/market-ledger/internal/api"
	"github.com/bitpredict/market-ledger/internal/archive"
	"github.com/bitpredict/market-ledger/internal/clock"
	"github.com/bitpredict/market-ledger/internal/config"
	"github.com/bitpredict/market-ledger/internal/events"
	"github.com/bitpredict/market-ledger/internal/identity"
	"github.com/bitpredict/market-ledger/internal/ledger"
	"github.com/bitpredict/market-ledger/internal/mirror"
	"github.com/bitpredict/market-ledger/internal/oracle"
	"github.com/bitpredict/market-ledger/internal/store"
	"github.com/bitpredict/market-ledger/internal/sweeper"
)

const serviceName = "market-ledger"

func main() {
	configPath := flag.String("config", os.Getenv("AMM_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("market-ledger exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-ledger stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	health := api.NewHealth(serviceName)

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Postgres.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("parse postgres url: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		health.Add("postgres", pg.Ping)
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("postgres url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		health.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		// Wrap with Redis read-through cache only over a persistent store.
		if cfg.Postgres.URL != "" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration.String())
		}
	}

	// --- Ledger ---
	mm, err := amm.NewMarketMaker(cfg.Ledger)
	if err != nil {
		return err
	}
	l := ledger.New(st, mm, clock.System{})

	if cfg.Administrator != "" {
		admin, err := identity.Normalize(cfg.Administrator)
		if err != nil {
			return err
		}
		if err := l.Bootstrap(ctx, admin); err != nil {
			return err
		}
	} else if _, err := l.Administrator(ctx); errors.Is(err, store.ErrNoAdministrator) {
		slog.Warn("no administrator configured; markets cannot be resolved manually")
	}

	// --- Mirror ---
	mir := mirror.New(mirror.NewReplica(cfg.Ledger))
	if err := mir.Rebuild(ctx, st); err != nil {
		return err
	}
	l.AddSink(mir)

	// --- WebSocket hub ---
	hub := api.NewHub()
	l.AddSink(hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })

	// --- NATS JetStream ---
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		cleanup = append(cleanup, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := events.EnsureStream(ctx, js, cfg.NATS.StreamMaxAge.Duration); err != nil {
			return err
		}
		health.Add("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New(nc.Status().String())
			}
			return nil
		})
		pub := events.NewPublisher(js, cfg.NATS.Buffer)
		l.AddSink(pub)
		g.Go(func() error { return pub.Run(gctx) })
		slog.Info("NATS event publishing enabled", "stream", events.StreamName)
	}

	// --- S3 archive ---
	if cfg.S3.Bucket != "" {
		client, err := archive.NewS3Client(ctx, archive.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		arch := archive.New(client, l, cfg.S3.Bucket, cfg.S3.Prefix)
		l.AddSink(arch)
		g.Go(func() error { return arch.Run(gctx) })
		slog.Info("S3 archive enabled", "bucket", cfg.S3.Bucket)
	}

	// --- Oracle sweeper ---
	if cfg.Sweeper.Enabled {
		var locker sweeper.Locker
		if rdb != nil {
			locker = store.NewRedisLocker(rdb)
		}
		prices := oracle.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.Timeout.Duration)
		sw, err := sweeper.New(l, prices, locker, cfg.Sweeper.Interval.Duration)
		if err != nil {
			return err
		}
		g.Go(func() error { return sw.Run(gctx) })
	}

	// --- HTTP server ---
	handler := api.NewHandler(l, mir.Replica())
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewRouter(handler, hub, health, cfg.Server.APIKey),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("market-ledger listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down market-ledger...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
