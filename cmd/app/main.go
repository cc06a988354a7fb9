package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"antrian-wa/internal/cache"
	"antrian-wa/internal/config"
	"antrian-wa/internal/dispatch"
	"antrian-wa/internal/domain"
	"antrian-wa/internal/events"
	"antrian-wa/internal/failure"
	"antrian-wa/internal/httpserver"
	"antrian-wa/internal/janitor"
	"antrian-wa/internal/lease"
	"antrian-wa/internal/logging"
	"antrian-wa/internal/metrics"
	"antrian-wa/internal/repo"
	"antrian-wa/internal/session"
	"antrian-wa/internal/surface"
	"antrian-wa/internal/wa"
	"antrian-wa/migrations"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const janitorJobTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting antrian-wa", "env", cfg.AppEnv, "store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repository.Close()

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATS(cfg.NATSURL, "antrian-wa", logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		publisher = nc
	}
	defer publisher.Close()

	rate := domain.RateLimitSettings{
		MinSeconds: cfg.DefaultMinDelaySeconds,
		MaxSeconds: cfg.DefaultMaxDelaySeconds,
		Enabled:    true,
	}

	leases := lease.NewManager(repository, lease.Config{
		PairingCodeTTL:   cfg.PairingCodeTTL,
		LeaseTTL:         cfg.LeaseTTL,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, publisher, metricRegistry, logger)

	sessions := session.NewManager(repository, session.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		DefaultRateLimit: rate,
		MaxBatchSize:     cfg.MaxBatchSize,
	}, publisher, metricRegistry, logger)

	retries := failure.NewClassifier(repository, cfg.HeartbeatTimeout, logger)
	surfaces := surface.NewRegistry()

	opts := []dispatch.Option{dispatch.WithBatchObserver(sessions)}
	var locker dispatch.Locker
	if redisClient != nil {
		opts = append(opts, dispatch.WithReachabilityCache(redisClient))
		locker = redisClient
	}
	dispatcher := dispatch.New(repository, surfaces, dispatch.Config{
		SendTimeout:  cfg.SendTimeout,
		CheckTimeout: cfg.CheckTimeout,
		PollInterval: cfg.DispatchPollInterval,
		Retry: failure.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		Circuit: dispatch.CircuitConfig{
			TripFailures: cfg.CircuitTripFailures,
			BaseDelay:    cfg.CircuitBaseDelay,
			MaxDelay:     cfg.CircuitMaxDelay,
		},
		DefaultRateLimit: rate,
		ReachabilityTTL:  cfg.ReachabilityTTL,
	}, publisher, metricRegistry, logger, opts...)

	supervisor := dispatch.NewSupervisor(dispatcher, locker, cfg.DispatchPollInterval, cfg.DispatchLockTTL, metricRegistry, logger)

	sweeper, err := janitor.New(cfg.JanitorSchedule, janitorJobTimeout, metricRegistry, logger,
		janitor.Job{Name: "expire_leases", Run: leases.ExpireStale},
		janitor.Job{Name: "purge_pairing_codes", Run: leases.PurgeCodes},
	)
	if err != nil {
		return fmt.Errorf("init janitor: %w", err)
	}

	api := httpserver.NewAPI(httpserver.Dependencies{
		Sessions:   sessions,
		Leases:     leases,
		Dispatcher: dispatcher,
		Retries:    retries,
		Metrics:    metricRegistry,
	}, cfg.ClaimRatePerMinute, logger)
	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, api, cfg.PublicBasePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(httpSrv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	if cfg.WhatsAppStorePath != "" {
		waClient, err := wa.New(gctx, wa.Config{
			StorePath:         cfg.WhatsAppStorePath,
			LogLevel:          cfg.WhatsAppLogLevel,
			AccountID:         cfg.WhatsAppAccountID,
			DeviceID:          cfg.WhatsAppDeviceID,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Metrics:           metricRegistry,
		}, logger)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		if err := waClient.Start(gctx); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("start whatsapp client: %w", err)
		}
		holder := waClient.Holder(leases, surfaces, logger)
		g.Go(func() error {
			if err := holder.Run(gctx, waClient); err != nil {
				logger.Error("whatsapp lease holder stopped", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.Repository, error) {
	if strings.EqualFold(cfg.StoreDriver, "memory") {
		logger.Warn("using in-memory store, state is lost on restart")
		return repo.NewMemory(), nil
	}

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		repository.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")
	return repository, nil
}
