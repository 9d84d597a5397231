// Package main запускает HTTP-сервер сервиса карт мероприятия.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/eventcard/internal/config"
	"github.com/mmeshcher/eventcard/internal/handler"
	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/lock"
	"github.com/mmeshcher/eventcard/internal/middleware"
	"github.com/mmeshcher/eventcard/internal/outbox"
	"github.com/mmeshcher/eventcard/internal/repository"
	"github.com/mmeshcher/eventcard/internal/service"
)

// store описывает хранилище, общее для сервиса и ретранслятора событий.
type store interface {
	service.Repository
	outbox.Store
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger initialization error:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	var repo store
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, data is kept in memory and lost on restart")
		repo = repository.NewMemoryRepository()
	}

	var opts []ledger.Option
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Fatalw("redis connection error", "error", err.Error())
		}
		defer client.Close()

		opts = append(opts, ledger.WithLocker(lock.NewRedisLocker(client, "eventcard:lock:card:", logger)))
	}

	var relay *outbox.Relay
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := outbox.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			sugar.Fatalw("kafka initialization error", "error", err.Error())
		}
		defer producer.Close()

		relay = outbox.NewRelay(repo, producer, logger)
		opts = append(opts, ledger.WithEvents(cfg.LedgerTopic))
	}

	svc := service.NewService(repo, ledger.New(repo, logger, opts...))
	defer svc.Close()

	if cfg.SessionSecret == "" {
		sugar.Warn("SESSION_SECRET is not set, operator sessions end on restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.SessionSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, handler.WithAllowedOrigins(cfg.AllowedOrigins))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if relay != nil {
		g.Go(func() error {
			return relay.Run(ctx)
		})
	}

	g.Go(func() error {
		sugar.Infow("starting eventcard server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Остановка сервера по сигналу или по ошибке в другой горутине.
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
