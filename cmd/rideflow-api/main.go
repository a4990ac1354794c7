// README: Entry point; loads config, wires services, starts HTTP server, websocket hub and background tickers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"rideflow/internal/config"
	httptransport "rideflow/internal/http"
	"rideflow/internal/infra"
	"rideflow/internal/maps"
	"rideflow/internal/modules/account"
	"rideflow/internal/modules/events"
	"rideflow/internal/modules/invoice"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/notify"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := infra.NewLogger("rideflow-api", cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("rideflow-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return err
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	var fb *infra.Firebase
	if cfg.Firebase.ProjectID != "" {
		if fb, err = infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile); err != nil {
			return err
		}
	}

	verifier, err := newVerifier(cfg, fb)
	if err != nil {
		return err
	}

	var pusher notify.Pusher
	if fb != nil {
		pusher = fb.Messaging
	} else {
		logger.Warn("firebase project not configured; push notifications disabled")
	}
	notifySvc := notify.NewService(notify.NewStore(dbPool), pusher, logger)
	defer notifySvc.Wait()

	var sender events.Sender
	if cfg.RabbitMQ.URL != "" {
		amqpPub, err := infra.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return err
		}
		defer amqpPub.Close()
		sender = amqpPub
	} else {
		logger.Warn("rabbitmq not configured; ride events are not published")
	}
	publisher := events.NewPublisher(sender, logger)

	var routes pricing.RouteEstimator
	if cfg.Maps.APIKey != "" {
		rs, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		routes = rs
	}
	pricingSvc := pricing.NewService(pricing.NewStore(dbPool), routes, loc, logger)

	accounts := account.NewStore(dbPool)
	locationSvc := location.NewService(location.NewStore(dbPool, redisClient), accounts, logger)

	rideStore := ride.NewStore(dbPool)
	rideSvc := ride.NewService(ride.Deps{
		Store:     rideStore,
		Scheduled: rideStore,
		Accounts:  accounts,
		Invoices:  invoice.NewStore(dbPool),
		Pricer:    pricingSvc,
		Publisher: publisher,
		Notifier:  notifySvc,
		Logger:    logger,
		Matching:  cfg.Matching,
		Schedule:  cfg.Schedule,
	})

	hub := realtime.NewHub(redisClient, cfg.Realtime.FanoutChannel, logger)
	rtNotifier := realtime.NewNotifier(hub, pricingSvc, accounts, cfg.Realtime.EnrichTimeout, logger)
	rideSvc.UseEventSink(rtNotifier)

	matchingSvc := matching.NewService(rideSvc, locationSvc, accounts, matching.NewStore(redisClient), rtNotifier, cfg.Matching, logger)
	gateway := realtime.NewGateway(hub, verifier, matchingSvc, locationSvc, rideSvc, cfg.Realtime, logger)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Verifier:       verifier,
		Dispatcher:     matchingSvc,
		Rides:          rideSvc,
		Scheduled:      rideSvc,
		Pricing:        pricingSvc,
		Location:       locationSvc,
		Websocket:      gateway.Handle,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Logger:         logger,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { rideSvc.RunTimeoutMonitor(gctx); return nil })
	g.Go(func() error { rideSvc.RunActivationTicker(gctx); return nil })
	g.Go(func() error { rideSvc.RunReminderTicker(gctx); return nil })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newVerifier(cfg config.Config, fb *infra.Firebase) (infra.TokenVerifier, error) {
	if cfg.Auth.Mode == "jwt" {
		return infra.NewJWTVerifier(cfg.Auth.JWTSecret), nil
	}
	if fb == nil {
		return nil, errors.New("RIDEFLOW_FIREBASE_PROJECT_ID is required when RIDEFLOW_AUTH_MODE=firebase")
	}
	return fb.Verifier(), nil
}
