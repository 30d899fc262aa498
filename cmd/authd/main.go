// Command authd serves the authcore engine over HTTP.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/account/postgres"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/config"
	"github.com/MrEthical07/authcore/internal/httpapi"
	promexport "github.com/MrEthical07/authcore/metrics/export/prometheus"
	"github.com/MrEthical07/authcore/notify"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHD_CONFIG"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("authd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------- REDIS --------
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	builder := authcore.New().
		WithConfig(cfg.Engine()).
		WithRedis(rdb).
		WithLogger(logger.Named("authcore"))

	// -------- ACCOUNTS --------
	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Postgres.AutoMigrate {
			logger.Info("running account migrations")
			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
		}
		builder.WithAccountStore(postgres.NewStore(db))
		logger.Info("accounts stored in postgres")
	} else {
		builder.WithAccountStore(account.NewRedisStore(rdb, cfg.Auth.RedisPrefix))
		logger.Info("accounts stored in redis")
	}

	// -------- NOTIFICATIONS --------
	var direct notify.Sender = notify.NewLogSender(logger.Named("mail"))
	if cfg.SMTP.Host != "" {
		direct = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	}
	var primary notify.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Source)
		defer kp.Close()
		primary = kp
	}
	builder.WithNotifier(notify.NewFallback(primary, direct, logger.Named("notify")))

	// -------- IDENTITY --------
	if cfg.Google.ClientID != "" {
		builder.WithIdentityVerifier(identity.NewGoogleVerifier(cfg.Google.ClientID))
	}

	if cfg.Auth.AuditLog {
		builder.WithAuditSink(authcore.NewZapSink(logger.Named("audit")))
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	api := httpapi.New(engine, httpapi.Options{
		Logger:     logger.Named("http"),
		Metrics:    promexport.NewExporter(engine).Handler(),
		TrustProxy: cfg.Server.TrustProxy,
		Health: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
			if db != nil {
				return db.PingContext(ctx)
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server forced to shutdown", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}
