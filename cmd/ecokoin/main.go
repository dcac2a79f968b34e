// Package main запускает HTTP-сервер сервиса ecokoin.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ecokoin/internal/config"
	"github.com/mmeshcher/ecokoin/internal/events"
	"github.com/mmeshcher/ecokoin/internal/handler"
	"github.com/mmeshcher/ecokoin/internal/middleware"
	"github.com/mmeshcher/ecokoin/internal/ratelimit"
	"github.com/mmeshcher/ecokoin/internal/repository"
	"github.com/mmeshcher/ecokoin/internal/seed"
	"github.com/mmeshcher/ecokoin/internal/service"
	"github.com/mmeshcher/ecokoin/internal/verification"
	"github.com/mmeshcher/ecokoin/internal/voucher"
)

// storage объединяет контракты сервиса и загрузчика начальных данных.
type storage interface {
	service.Repository
	seed.Store
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openStorage(cfg, sugar)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	if !cfg.SkipSeed {
		data, err := seed.Load(cfg.SeedFile)
		if err != nil {
			sugar.Fatalw("seed load error", "error", err.Error())
		}
		if err := seed.Apply(ctx, repo, data, logger); err != nil {
			sugar.Fatalw("seed apply error", "error", err.Error())
		}
	}

	verifier := verification.NewClient(verification.Config{
		BaseURL:       cfg.GeminiURL,
		APIKey:        cfg.GeminiAPIKey,
		Model:         cfg.GeminiModel,
		IdentityModel: cfg.GeminiIdentityModel,
		Timeout:       cfg.VerifyTimeout,
		RetryMax:      cfg.VerifyRetries,
	}, logger)
	if !verifier.Enabled() {
		sugar.Warn("GEMINI_API_KEY is not set, photo verification disabled")
	}

	limiter, closeLimiter := newLimiter(ctx, cfg, sugar)
	defer closeLimiter()

	svc := service.NewService(service.Deps{
		Repo:           repo,
		Verifier:       verifier,
		Limiter:        limiter,
		Publisher:      newPublisher(cfg, logger),
		Signer:         voucher.NewSigner(cfg.VoucherSecret),
		Logger:         logger,
		RedemptionRule: ratelimit.Rule{Limit: cfg.RedemptionRPM, Window: time.Minute},
		DepositRule:    ratelimit.Rule{Limit: cfg.DepositRPM, Window: time.Minute},
		ResetRule:      ratelimit.Rule{Limit: cfg.ResetPerHour, Window: time.Hour},
	})
	defer svc.Close()

	reconciler, err := service.NewReconciler(ctx, svc, cfg.ReconcileSchedule)
	if err != nil {
		sugar.Fatalw("reconciler initialization error", "error", err.Error())
	}

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, sessions will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая сверка балансов
	g.Go(func() error {
		reconciler.Start()
		<-ctx.Done()
		<-reconciler.Stop().Done()
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting ecokoin server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
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

func openStorage(cfg *config.Config, sugar *zap.SugaredLogger) (storage, error) {
	if cfg.DatabaseURI == "" {
		sugar.Warn("DATABASE_URI is not set, using in-memory storage")
		return repository.NewMemoryRepository(), nil
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// newLimiter подключается к Redis, если он настроен и доступен. Иначе лимиты считаются в памяти процесса.
func newLimiter(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (service.Limiter, func()) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		sugar.Warnw("redis ping failed, using in-memory rate limiting", "error", err.Error())
		_ = client.Close()
		return ratelimit.NewMemoryLimiter(), func() {}
	}

	sugar.Infow("redis connected", "addr", cfg.RedisAddr)
	return ratelimit.NewRedisLimiter(client, ""), func() { _ = client.Close() }
}

func newPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.NewLogPublisher(logger)
	}

	p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		logger.Warn("amqp unavailable, events will only be logged", zap.Error(err))
		return events.NewLogPublisher(logger)
	}
	return p
}
