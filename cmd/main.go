// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-reservations/internal/config"
	"github.com/Shivanand-hulikatti/event-reservations/internal/database"
	"github.com/Shivanand-hulikatti/event-reservations/internal/database/migrations"
	"github.com/Shivanand-hulikatti/event-reservations/internal/handler"
	"github.com/Shivanand-hulikatti/event-reservations/internal/lock"
	"github.com/Shivanand-hulikatti/event-reservations/internal/logger"
	"github.com/Shivanand-hulikatti/event-reservations/internal/memstore"
	"github.com/Shivanand-hulikatti/event-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/event-reservations/internal/queue"
	"github.com/Shivanand-hulikatti/event-reservations/internal/repository"
	"github.com/Shivanand-hulikatti/event-reservations/internal/service"
)

const serviceName = "event-reservations"

// storage bundles the stores of one driver.
type storage struct {
	tx     service.Transactor
	events service.EventStore
	seats  service.SeatCounter
	ledger service.Ledger
	close  func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(serviceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Storage ────────────────────────────────────────────────────────
	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.close()

	// ── 2. Event lock ─────────────────────────────────────────────────────
	locker, closeLocker, err := openLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	// ── 3. Publisher ──────────────────────────────────────────────────────
	var publisher service.Publisher = queue.Nop{}
	if cfg.RabbitMQURL != "" {
		p := queue.NewPublisher(cfg.RabbitMQURL, log.Named("queue"))
		defer func() { _ = p.Close() }()
		publisher = p
		log.Info("publishing reservation events to rabbitmq")
	}

	// ── 4. Wire up layers ─────────────────────────────────────────────────
	engine := service.NewReservationService(
		store.tx, store.events, store.seats, store.ledger, locker, log.Named("engine"),
		service.WithPublisher(publisher),
		service.WithLockTimeout(cfg.LockTimeout),
		service.WithRetry(service.RetryPolicy{
			MaxAttempts:     uint(cfg.Retry.MaxAttempts),
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}),
	)
	eventSvc := service.NewEventService(store.events, engine, log.Named("events"))
	eventHandler := handler.NewEventHandler(eventSvc, engine, log.Named("http"))

	// ── 5. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger(log.Named("access")))
	r.Use(metrics.Middleware)
	r.Use(handler.CORS(cfg.CORSOrigins))
	r.Use(handler.Identity(cfg.JWTSecret))

	r.Get("/health", handler.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())
	eventHandler.Routes(r)

	// ── 6. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("port", cfg.Port),
			zap.String("storage", cfg.StorageDriver),
			zap.String("lock", cfg.LockDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage, error) {
	if cfg.StorageDriver == config.StorageMemory {
		st := memstore.New()
		log.Warn("using in-memory storage; data is lost on restart")
		return &storage{
			tx:     st,
			events: st.Events(),
			seats:  st.Seats(),
			ledger: st.Reservations(),
			close:  func() {},
		}, nil
	}

	pool, err := database.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	log.Info("connected to postgres", zap.Strings("migrations", migrations.Names()))

	return &storage{
		tx:     repository.NewTxManager(pool),
		events: repository.NewEventRepository(pool),
		seats:  repository.NewSeatRepository(pool),
		ledger: repository.NewReservationRepository(pool),
		close:  pool.Close,
	}, nil
}

func openLocker(ctx context.Context, cfg *config.Config, log *zap.Logger) (lock.Locker, func(), error) {
	if cfg.LockDriver != config.LockRedis {
		return lock.NewKeyedMutex(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	log.Info("using redis event locks", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", cfg.LockTTL))
	return lock.NewRedisLocker(client, cfg.LockTTL, log.Named("lock")), func() { _ = client.Close() }, nil
}
