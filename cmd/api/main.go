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

	"github.com/mcclellann/microcredit/pkg/cache"
	"github.com/mcclellann/microcredit/pkg/config"
	"github.com/mcclellann/microcredit/pkg/events"
	"github.com/mcclellann/microcredit/pkg/ledger"
	"github.com/mcclellann/microcredit/pkg/logger"
	"github.com/mcclellann/microcredit/pkg/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	defer sqliteStore.Close()

	opts := []ledger.Option{
		ledger.WithDefaultRate(cfg.Ledger.Rate()),
		ledger.WithCurrency(cfg.Ledger.Currency),
		ledger.WithMaxConflictRetries(cfg.Ledger.MaxConflictRetries),
		ledger.WithPublishTimeout(cfg.Kafka.PublishTimeout),
	}

	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, ledger.WithReportCache(cache.NewReportCache(client, cfg.Redis.ReportTTL)))
		log.Info("report cache enabled", zap.String("address", cfg.Redis.Address))
	}

	if cfg.Kafka.Enabled {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer publisher.Close()
		opts = append(opts, ledger.WithPublisher(publisher))
		log.Info("event publishing enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	l := ledger.NewLedger(sqliteStore, log, opts...)
	go runDelinquencySweep(ctx, l, cfg.Ledger.DelinquencySweepInterval, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           NewServer(l, log).Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type delinquencySweeper interface {
	RefreshDelinquency(ctx context.Context) (int, error)
}

// runDelinquencySweep marks overdue loans Late once at startup and then on
// every tick until ctx is done. A non-positive interval disables it.
func runDelinquencySweep(ctx context.Context, sweeper delinquencySweeper, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		log.Info("delinquency sweep disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		log.Debug("running delinquency sweep")
		if marked, err := sweeper.RefreshDelinquency(ctx); err != nil {
			log.Error("delinquency sweep failed", zap.Int("marked_late", marked), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
