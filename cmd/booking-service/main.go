// Command booking-service runs the Order side of the booking saga:
// checkout, booking status and refunds.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-seat-saga/internal/client"
	"github.com/iliyamo/cinema-seat-saga/internal/config"
	"github.com/iliyamo/cinema-seat-saga/internal/database"
	"github.com/iliyamo/cinema-seat-saga/internal/handler"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
	"github.com/iliyamo/cinema-seat-saga/internal/resilience"
	"github.com/iliyamo/cinema-seat-saga/internal/router"
	"github.com/iliyamo/cinema-seat-saga/internal/saga/order"
	"github.com/iliyamo/cinema-seat-saga/internal/seatlock"
)

const service = "booking-service"

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
	if err := database.Migrate(ctx, db, database.BookingSchema); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}

	rdb, err := config.NewRedisClient()
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	defer rdb.Close()

	bus := queue.NewPublisher(cfg.RabbitURL)
	defer bus.Close()

	hc := client.NewHTTPClient()
	breaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(name, cfg.Breaker())
	}
	peers := order.Peers{
		Pricing:    client.NewPricingClient(cfg.PricingURL, hc, breaker("pricing")),
		Promotions: client.NewPromotionClient(cfg.PromotionURL, hc, breaker("promotion")),
		Catalog:    client.NewCatalogClient(cfg.CatalogURL, hc, breaker("catalog")),
		Profiles:   client.NewProfileClient(cfg.ProfileURL, hc, breaker("profile")),
		Showtimes:  client.NewShowtimeClient(cfg.ShowtimeURL, hc, breaker("showtime")),
	}
	locks := seatlock.NewManager(seatlock.NewRedisStore(rdb), cfg.HoldTTL)
	svc := order.NewService(repository.NewBookingRepo(db), locks, peers, bus, cfg.ExtendedHoldTTL)

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		URL:        cfg.RabbitURL,
		Service:    service,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Dedupe:     rdb,
	})
	svc.Register(consumer)

	e := router.New(map[string]handler.Check{
		"mysql": db.PingContext,
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	router.RegisterBooking(e, handler.NewBookingHandler(svc), cfg.JWTSecret)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Serve(gctx, e, ":"+cfg.Port) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return svc.RunSweeper(gctx, cfg.SweepInterval) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("service stopped")
	}
	log.Info("shutdown complete")
}
