package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/instoredealz/claim-service/internal/api"
	"github.com/instoredealz/claim-service/internal/api/middleware"
	"github.com/instoredealz/claim-service/internal/cache"
	"github.com/instoredealz/claim-service/internal/config"
	"github.com/instoredealz/claim-service/internal/metrics"
	"github.com/instoredealz/claim-service/internal/notify"
	"github.com/instoredealz/claim-service/internal/pin"
	"github.com/instoredealz/claim-service/internal/repository"
	"github.com/instoredealz/claim-service/internal/repository/memory"
	"github.com/instoredealz/claim-service/internal/service"
	"github.com/instoredealz/claim-service/pkg/db"
)

func main() {
	if err := run(); err != nil {
		slog.Error("instoredealz exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, health, closeStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Warn("telegram notifications disabled", "err", err)
		} else {
			notifier = tg
		}
	}

	m := metrics.New()
	svc := service.NewClaimService(stores,
		service.WithHasher(pin.NewHasher(cfg.PINBcryptCost)),
		service.WithDealCache(cache.NewDealCache(cfg.DealCacheTTL)),
		service.WithNotifier(notifier),
		service.WithMetrics(m),
		service.WithLogger(logger),
	)

	handler := api.NewRouter(api.Deps{
		Claims: svc,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.JWTSecret,
			Issuer:     cfg.JWTIssuer,
		}, logger),
		VerifyLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.VerifyRatePerMinute,
			Burst:             cfg.VerifyRateBurst,
		},
		Metrics: m,
		Logger:  logger,
		Health:  health,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting instoredealz claim service", "addr", srv.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	logger.Info("server stopped")
	return nil
}

// openStores returns the persistence collaborators for cfg.StoreDriver
// along with a health check and a close function.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (service.Stores, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		store := memory.New()
		if cfg.SeedFile != "" {
			f, err := os.Open(cfg.SeedFile)
			if err != nil {
				return service.Stores{}, nil, nil, fmt.Errorf("open seed file: %w", err)
			}
			defer f.Close()
			if err := store.LoadSeed(f); err != nil {
				return service.Stores{}, nil, nil, err
			}
		}
		logger.Warn("using in-memory store; data is lost on restart")
		stores := service.Stores{Claims: store, Deals: store, Users: store, Attempts: store}
		return stores, nil, func() {}, nil
	}

	conn, err := db.NewPostgresConnection(ctx, cfg.DB)
	if err != nil {
		return service.Stores{}, nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, conn); err != nil {
			_ = conn.Close()
			return service.Stores{}, nil, nil, err
		}
		logger.Info("database schema applied")
	}
	stores := service.Stores{
		Claims:   repository.NewClaimRepo(conn),
		Deals:    repository.NewDealRepo(conn),
		Users:    repository.NewUserRepo(conn),
		Attempts: repository.NewAttemptRepo(conn),
	}
	closeFn := func() {
		if err := conn.Close(); err != nil {
			logger.Warn("close db", "err", err)
		}
	}
	return stores, conn.PingContext, closeFn, nil
}
