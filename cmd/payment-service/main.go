// Command payment-service runs the Settlement side of the booking saga:
// charging, provider callbacks, polling of undecided charges and refunds.
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
	"github.com/iliyamo/cinema-seat-saga/internal/payment"
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
	"github.com/iliyamo/cinema-seat-saga/internal/resilience"
	"github.com/iliyamo/cinema-seat-saga/internal/router"
	"github.com/iliyamo/cinema-seat-saga/internal/saga/settlement"
)

const service = "payment-service"

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
	if err := database.Migrate(ctx, db, database.PaymentSchema); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}

	rdb, err := config.NewRedisClient()
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	defer rdb.Close()

	bus := queue.NewPublisher(cfg.RabbitURL)
	defer bus.Close()

	var provider payment.Provider
	if cfg.ProviderURL != "" {
		provider = payment.NewHTTPProvider(cfg.ProviderURL, client.NewHTTPClient())
	} else {
		log.WithField("limit_cents", cfg.SandboxLimit).Warn("no payment provider configured, using sandbox")
		provider = payment.NewSandboxProvider(cfg.SandboxLimit)
	}
	settings := cfg.Breaker()
	settings.Timeout = cfg.ProviderTimeout
	svc := settlement.NewService(repository.NewPaymentRepo(db), provider, resilience.NewBreaker("payment-provider", settings), bus)

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		URL:        cfg.RabbitURL,
		Service:    service,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Dedupe:     rdb,
	})
	svc.Register(consumer)

	if cfg.WebhookSecret == "" {
		log.Warn("PAYMENT_WEBHOOK_SECRET is empty, provider callbacks are not authenticated")
	}
	e := router.New(map[string]handler.Check{
		"mysql": db.PingContext,
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	router.RegisterPayment(e, handler.NewPaymentHandler(svc, cfg.WebhookSecret), cfg.JWTSecret)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Serve(gctx, e, ":"+cfg.Port) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return svc.RunPoller(gctx, cfg.PollInterval, cfg.PollAge) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("service stopped")
	}
	log.Info("shutdown complete")
}
