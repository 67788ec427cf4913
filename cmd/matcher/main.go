package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/dispatch"
	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/logging"
	"github.com/whisper/pairing/internal/maintenance"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/report"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/store"
	"github.com/whisper/pairing/internal/store/boltstore"
	"github.com/whisper/pairing/internal/store/filestore"
	"github.com/whisper/pairing/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, "matcher")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("matcher stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("matcher stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: "whisper-pairing",
		SampleRate:  cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	natsClient, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	notifier := gateway.NewNATSNotifier(natsClient)

	reg := session.NewRegistry(session.Options{Timeout: cfg.Engine.SessionTimeout, Logger: logger})
	engine := matching.NewService(st, reg, notifier, matching.Options{
		MaxWait:       cfg.Engine.QueueMaxWait,
		SweepInterval: cfg.Engine.SweepInterval,
		Logger:        logger,
	})

	modOpts := moderation.Options{
		Threshold:          cfg.Moderation.Threshold,
		AdminID:            cfg.AdminID,
		EndSessionOnReport: cfg.Moderation.EndSessionOnReport,
		Logger:             logger,
	}
	maintOpts := maintenance.Options{
		Interval:              cfg.Maintenance.Interval,
		ParticipantRetention:  cfg.Maintenance.ParticipantRetention,
		ReportRetentionMonths: cfg.Maintenance.ReportRetentionMonths,
		Timeout:               cfg.Maintenance.Timeout,
		Logger:                logger,
	}
	if cfg.Postgres.DSN != "" {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		archive, err := report.Open(openCtx, cfg.Postgres.DSN, report.Options{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			Logger:          logger,
		})
		cancel()
		if err != nil {
			return err
		}
		defer archive.Close()
		modOpts.Archive = archive
		maintOpts.Archiver = archive
	}
	policy := moderation.NewPolicy(st, engine, notifier, modOpts)
	job := maintenance.New(st, maintOpts)

	var limiter *ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb, logger)
	}

	d := dispatch.New(dispatch.Options{
		Engine:      engine,
		Policy:      policy,
		Maintenance: job,
		Limiter:     limiter,
		Timeout:     cfg.Engine.RequestTimeout,
		Logger:      logger,
	})
	if err := d.Serve(ctx, natsClient); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info("matcher running",
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Bool("rate_limiting", limiter != nil),
		zap.Bool("report_archive", cfg.Postgres.DSN != ""),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return job.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendBolt:
		return boltstore.Open(boltstore.Options{
			Path:                cfg.Store.BoltPath,
			Timeout:             cfg.Store.BoltTimeout,
			MaxBytes:            cfg.Store.MaxBytes,
			CompactParticipants: cfg.Store.CompactParticipants,
			CompactReports:      cfg.Store.CompactReports,
			Logger:              logger,
		})
	default:
		opts := filestore.DefaultOptions()
		opts.Dir = cfg.Store.Dir
		opts.MaxBytes = cfg.Store.MaxBytes
		opts.CompactParticipants = cfg.Store.CompactParticipants
		opts.CompactReports = cfg.Store.CompactReports
		opts.WriteRetries = cfg.Store.WriteRetries
		opts.Logger = logger
		return filestore.Open(opts)
	}
}
