// Command showtime-service runs the Reservation side of the booking saga:
// seat holds, the seat map projection, lock expiry and live seat status.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-seat-saga/internal/config"
	"github.com/iliyamo/cinema-seat-saga/internal/database"
	"github.com/iliyamo/cinema-seat-saga/internal/handler"
	"github.com/iliyamo/cinema-seat-saga/internal/livestatus"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/middleware"
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
	"github.com/iliyamo/cinema-seat-saga/internal/router"
	"github.com/iliyamo/cinema-seat-saga/internal/saga/reservation"
	"github.com/iliyamo/cinema-seat-saga/internal/seatlock"
)

const service = "showtime-service"

func main() {
	cfg := config.Load(service)
	logging.Init(cfg.Env, cfg.LogLevel, service)
	log := logging.FromContext(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DB())
	if err != nil {
		log.WithError(err).Fatal("database unavailable")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, database.ShowtimeSchema); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}

	rdb, err := config.NewRedisClient()
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	defer rdb.Close()

	bus := queue.NewPublisher(cfg.RabbitURL)
	defer bus.Close()

	locks := seatlock.NewManager(seatlock.NewRedisStore(rdb), cfg.HoldTTL)
	hub := livestatus.NewHub()
	svc := reservation.NewService(
		repository.NewShowtimeRepo(db),
		repository.NewShowtimeSeatRepo(db),
		locks,
		seatlock.NewRedisReleaseLog(rdb),
		hub, bus,
	)

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		URL:        cfg.RabbitURL,
		Service:    service,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Dedupe:     rdb,
	})
	svc.Register(consumer)

	cacheCfg := config.LoadCacheConfig()
	invalidate := func(ctx context.Context, showtimeID string) {
		if err := middleware.InvalidateCache(ctx, cacheCfg, rdb, "/v1/showtimes/"+showtimeID); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("showtime cache invalidation failed")
		}
	}

	e := router.New(map[string]handler.Check{
		"mysql": db.PingContext,
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	router.RegisterShowtime(e, handler.NewShowtimeHandler(svc, invalidate), router.ShowtimeRoutes{
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb),
		Cache:     middleware.NewRedisCache(cacheCfg, rdb),
		Live:      livestatus.Handler(hub),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Serve(gctx, e, ":"+cfg.Port) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return svc.WatchExpirations(gctx) })
	g.Go(func() error { return svc.RunSweeper(gctx, cfg.SweepInterval, cfg.StaleLockAge) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("service stopped")
	}
	log.Info("shutdown complete")
}
