package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/smtp-receiver/internal/config"
	"github.com/welldanyogia/smtp-receiver/internal/delivery"
	"github.com/welldanyogia/smtp-receiver/internal/logger"
	"github.com/welldanyogia/smtp-receiver/internal/metrics"
	"github.com/welldanyogia/smtp-receiver/internal/queue"
	"github.com/welldanyogia/smtp-receiver/internal/ratelimit"
	"github.com/welldanyogia/smtp-receiver/internal/smtp"
	"github.com/welldanyogia/smtp-receiver/internal/spool"
)

func main() {
	cfg := config.Load()

	appLogger := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(appLogger)

	if err := cfg.Validate(); err != nil {
		appLogger.Error("configuration rejected", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appLogger.Info("starting SMTP receiver",
		slog.String("hostname", cfg.Server.Hostname),
		slog.Any("listen", cfg.Server.Listen),
		slog.Any("submission_listen", cfg.Server.SubmissionListen),
		slog.String("queue_backend", cfg.Queue.Backend),
	)

	// Queue store.
	policy := queue.RetryPolicy{
		Base:        cfg.Queue.RetryBase,
		MaxDelay:    cfg.Queue.RetryMax,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	var store queue.Store
	var dbPool *pgxpool.Pool
	switch cfg.Queue.Backend {
	case "memory":
		store = queue.NewMemoryStore(policy)
		appLogger.Warn("using in-memory queue store; messages do not survive restarts")
	default:
		var err error
		dbPool, err = setupDatabase(cfg, appLogger)
		if err != nil {
			appLogger.Error("failed to connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer dbPool.Close()
		db := sqlx.NewDb(stdlib.OpenDBFromPool(dbPool), "pgx")
		store = queue.NewPostgresStore(db, policy)
	}

	// Body spool.
	bodies, err := setupSpool(cfg, appLogger)
	if err != nil {
		appLogger.Error("failed to initialize spool", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Authentication capability.
	var auth smtp.Authenticator
	if cfg.Auth.CredentialsFile != "" {
		auth, err = smtp.NewFileAuthenticator(cfg.Auth.CredentialsFile)
		if err != nil {
			appLogger.Error("failed to load credentials", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// STARTTLS.
	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsConfig, err = smtp.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			appLogger.Error("failed to load TLS configuration", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	limiter := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.SweepInterval)
	defer limiter.Stop()

	committer := queue.NewCommitter(store, bodies, cfg.Queue.DefaultPriority, appLogger)

	server := smtp.NewServer(smtpConfig(cfg), listeners(cfg), tlsConfig,
		auth, limiter, committer, smtp.AcceptAllRecipients(), appLogger)
	if err := server.Start(); err != nil {
		appLogger.Error("failed to start SMTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Retry scheduler.
	var deliverer queue.Deliverer
	if cfg.Queue.Smarthost != "" {
		deliverer = delivery.NewSmarthost(cfg.Queue.Smarthost, cfg.Server.Hostname, bodies)
	} else {
		deliverer = queue.DelivererFunc(func(context.Context, queue.Entry) error {
			return fmt.Errorf("no delivery route configured")
		})
		appLogger.Warn("no smarthost configured; queued mail will wait")
	}
	scheduler := queue.NewScheduler(store, deliverer, queue.SchedulerConfig{
		Workers:         cfg.Queue.Workers,
		BatchSize:       cfg.Queue.BatchSize,
		PollInterval:    cfg.Queue.PollInterval,
		LeaseDuration:   cfg.Queue.LeaseDuration,
		DeliveryTimeout: cfg.Queue.DeliveryTimeout,
		DrainTimeout:    cfg.Queue.DrainTimeout,
	}, appLogger)

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.Run(schedCtx)
	}()

	// Admin endpoint.
	var adminServer *metrics.Server
	if cfg.Metrics.Enabled {
		adminServer = metrics.NewServer(cfg.Metrics.Addr, healthCheck(server, store), appLogger)
		adminServer.Start()
		go pollQueueDepth(schedCtx, store, appLogger)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down")

	if err := server.Stop(); err != nil {
		appLogger.Error("error stopping SMTP server", slog.String("error", err.Error()))
	}
	stopScheduler()
	select {
	case <-schedDone:
	case <-time.After(cfg.Queue.DrainTimeout + 10*time.Second):
		appLogger.Warn("scheduler drain timed out")
	}
	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminServer.Stop(ctx)
		cancel()
	}

	appLogger.Info("shutdown complete")
}

// smtpConfig maps the daemon configuration onto the protocol package.
func smtpConfig(cfg *config.Config) *smtp.Config {
	return &smtp.Config{
		Hostname:                cfg.Server.Hostname,
		Product:                 cfg.Server.Product,
		MaxConnections:          cfg.SMTP.MaxConnections,
		MaxConnectionsPerIP:     cfg.SMTP.MaxConnectionsPerIP,
		MaxMessageSize:          cfg.SMTP.MaxMessageSize,
		MaxRecipients:           cfg.SMTP.MaxRecipients,
		GreetingTimeout:         cfg.SMTP.GreetingTimeout,
		CommandTimeout:          cfg.SMTP.CommandTimeout,
		DataTimeout:             cfg.SMTP.DataTimeout,
		GlobalTimeout:           cfg.SMTP.GlobalTimeout,
		ShutdownGrace:           cfg.SMTP.ShutdownGrace,
		RequireAuthOnSubmission: cfg.SMTP.RequireAuthOnSubmission,
		RequireTLSForAuth:       cfg.SMTP.RequireTLSForAuth,
		AuthOnRelayPort:         cfg.SMTP.AuthOnRelayPort,
		RateLimitIP:             cfg.RateLimit.IPPerWindow,
		RateLimitUser:           cfg.RateLimit.UserPerWindow,
		MemoryBufferThreshold:   cfg.SMTP.MemoryBufferThreshold,
		TempDir:                 cfg.SMTP.TempDir,
	}
}

// listeners builds the endpoint list: relay ports plus submission ports.
func listeners(cfg *config.Config) []smtp.Listener {
	var out []smtp.Listener
	for _, addr := range cfg.Server.Listen {
		out = append(out, smtp.Listener{Addr: addr})
	}
	for _, addr := range cfg.Server.SubmissionListen {
		out = append(out, smtp.Listener{Addr: addr, Submission: true})
	}
	return out
}

// setupDatabase creates and configures the pgx connection pool.
func setupDatabase(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database",
		slog.String("database", cfg.Database.DBName),
		slog.String("host", cfg.Database.Host),
	)
	return pool, nil
}

// setupSpool selects the configured body store.
func setupSpool(cfg *config.Config, log *slog.Logger) (spool.Store, error) {
	switch cfg.Spool.Backend {
	case "s3":
		log.Info("using S3 spool", slog.String("bucket", cfg.Spool.S3Bucket))
		return spool.NewS3Store(spool.S3Config{
			Endpoint:        cfg.Spool.S3Endpoint,
			Region:          cfg.Spool.S3Region,
			AccessKeyID:     cfg.Spool.S3AccessKeyID,
			SecretAccessKey: cfg.Spool.S3SecretAccessKey,
			Bucket:          cfg.Spool.S3Bucket,
			UseSSL:          cfg.Spool.S3UseSSL,
		})
	default:
		log.Info("using filesystem spool", slog.String("dir", cfg.Spool.Dir))
		return spool.NewFSStore(cfg.Spool.Dir)
	}
}

// healthCheck reports listener and queue state for /healthz.
func healthCheck(server *smtp.Server, store queue.Store) metrics.HealthFunc {
	return func(ctx context.Context) (any, error) {
		stats, err := store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue store unreachable: %w", err)
		}
		return map[string]any{
			"active_sessions": server.ActiveSessions(),
			"queue": map[string]int64{
				"pending":     stats.Pending,
				"retry":       stats.Retry,
				"leased":      stats.Leased,
				"delivered":   stats.Delivered,
				"failed":      stats.Failed,
				"dead_letter": stats.DeadLetter,
			},
		}, nil
	}
}

// pollQueueDepth refreshes the queue depth gauges.
func pollQueueDepth(ctx context.Context, store queue.Store, log *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := store.Stats(ctx)
			if err != nil {
				log.Warn("failed to read queue stats", slog.String("error", err.Error()))
				continue
			}
			metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
			metrics.QueueDepth.WithLabelValues("retry").Set(float64(stats.Retry))
			metrics.QueueDepth.WithLabelValues("leased").Set(float64(stats.Leased))
			metrics.QueueDepth.WithLabelValues("dead_letter").Set(float64(stats.DeadLetter))
		}
	}
}
