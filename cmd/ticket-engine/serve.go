package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/ticket-engine/internal/broadcast"
	"qms/ticket-engine/internal/config"
	"qms/ticket-engine/internal/httpapi"
	"qms/ticket-engine/internal/logger"
	"qms/ticket-engine/internal/models"
	"qms/ticket-engine/internal/relay"
	"qms/ticket-engine/internal/sequence"
	"qms/ticket-engine/internal/sequence/redisseq"
	"qms/ticket-engine/internal/store"
	"qms/ticket-engine/internal/store/memory"
	"qms/ticket-engine/internal/store/postgres"
	"qms/ticket-engine/internal/telemetry"
	"qms/ticket-engine/internal/ticketing"
)

const (
	serviceName        = "ticket-engine"
	counterPrunePeriod = time.Hour
)

func newServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and event streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configFile)
		},
	}
}

type backends struct {
	store     store.TicketStore
	allocator sequence.Allocator
	memAlloc  *sequence.MemoryAllocator
	health    []func(context.Context) error
}

func buildBackends(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client) backends {
	var b backends
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgStore := postgres.NewStore(pool)
		b.store = pgStore
		b.health = append(b.health, pgStore.Ping)
	default:
		b.store = memory.NewStore()
	}

	switch cfg.SequenceBackend {
	case config.BackendPostgres:
		b.allocator = postgres.NewAllocator(pool)
	case config.BackendRedis:
		b.allocator = redisseq.NewAllocator(redisClient, redisseq.DefaultTTL)
	default:
		b.memAlloc = sequence.NewMemoryAllocator()
		b.allocator = b.memAlloc
	}

	if redisClient != nil {
		b.health = append(b.health, func(ctx context.Context) error {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("%w: redis: %w", store.ErrStoreUnavailable, err)
			}
			return nil
		})
	}
	return b
}

func (b backends) check(ctx context.Context) error {
	for _, check := range b.health {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runServe(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Logger:      log,
	})
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	location, _ := cfg.Location()
	overflow, _ := cfg.Overflow()

	var pool *pgxpool.Pool
	if cfg.StoreBackend == config.BackendPostgres {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			log.Info("migrations applied")
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broker := broadcast.NewBroker[models.Event](broadcast.Options{
		BufferSize: cfg.BroadcastBuffer,
		Overflow:   overflow,
		Metrics:    broadcast.NewMetrics(registry),
	})
	var publisher ticketing.Publisher = broker
	var eventRelay *relay.Relay
	if cfg.RelayEnabled() {
		eventRelay = relay.New(redisClient, broker, cfg.RelayChannel, log)
		publisher = eventRelay
	}

	if redisClient != nil && eventRelay == nil {
		log.Warn("relay disabled: instances share a queue only with the postgres store",
			"store", cfg.StoreBackend,
			"sequence", cfg.SequenceBackend,
		)
	}

	b := buildBackends(cfg, pool, redisClient)
	manager, err := ticketing.NewManager(ticketing.Config{
		Store:         b.store,
		Allocator:     b.allocator,
		Publisher:     publisher,
		Logger:        log.With("component", "ticketing"),
		Location:      location,
		ClaimAttempts: cfg.ClaimAttempts,
		SnapshotLimit: cfg.SnapshotLimit,
		Metrics:       ticketing.NewMetrics(registry),
	})
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(manager, broker, httpapi.Options{
		Logger: log.With("component", "httpapi"),
		Health: b.check,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMin,
		IPBurst:        cfg.RateLimitBurst,
		ExemptPrefixes: []string{"/realtime/", "/ws", "/healthz", "/metrics"},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/", handler.Routes())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(httpapi.LoggingMiddleware(log, limiter.Middleware(mux)), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ticket-engine listening",
			"addr", server.Addr,
			"store", cfg.StoreBackend,
			"sequence", cfg.SequenceBackend,
			"relay", eventRelay != nil,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if eventRelay != nil {
		g.Go(func() error {
			if err := eventRelay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("relay: %w", err)
			}
			return nil
		})
	}
	if b.memAlloc != nil {
		g.Go(func() error {
			ticker := time.NewTicker(counterPrunePeriod)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					b.memAlloc.Prune(manager.Today())
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		broker.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
