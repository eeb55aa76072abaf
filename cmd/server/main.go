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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	var ready []func(context.Context) error

	feed := changefeed.NewBroker(changefeed.DefaultBuffer)
	defer feed.Close()

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		store = ps
		ready = append(ready, ps.DB().PingContext)
		listener := changefeed.NewPGListener(cfg.PGDSN, feed, logger.With("component", "pg_listener"))
		g.Go(func() error { return listener.Run(ctx) })
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		store = storage.NewMemoryStore(feed)
	}

	cells, err := geo.NewIndexer(cfg.H3Resolution)
	if err != nil {
		return fmt.Errorf("h3 indexer: %w", err)
	}

	var (
		drivers geo.Availability
		tokens  notify.TokenStore
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		drivers = geo.NewRedisGeo(rc, cells, cfg.DriverStaleAfter)
		tokens = notify.NewRedisTokens(rc)
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	} else {
		drivers = geo.NewIndex(cells, cfg.DriverStaleAfter)
		tokens = notify.NewMemoryTokens()
	}

	wsreg := dispatch.NewWSRegistry()
	defer wsreg.Close()
	senders := dispatch.Chain{wsreg}
	var push *dispatch.PushGateway
	if cfg.PushEndpoint != "" {
		push = dispatch.NewPushGateway(cfg.PushEndpoint, cfg.PushKey)
		senders = append(senders, &dispatch.OfferPusher{Gateway: push, Tokens: tokens})
	}
	offers := dispatch.NewBroker(senders, logger.With("component", "offers"))

	var ranker matcher.Ranker = matcher.Proximity{}
	if cfg.Ranker == "weighted" {
		est := &eta.Estimator{Cache: eta.NewCache(time.Minute), SpeedMps: cfg.DefaultSpeedMps}
		if cfg.OSRMEndpoint != "" {
			est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		}
		ranker = &matcher.Weighted{ETA: est}
	}

	dispatcher := &matcher.Service{
		Store:         store,
		Drivers:       drivers,
		Offers:        offers,
		Ranker:        ranker,
		Logger:        logger.With("component", "dispatcher"),
		OfferTimeout:  cfg.OfferTimeout,
		Fanout:        cfg.OfferFanout,
		WriteAttempts: cfg.DispatchWriteAttempts,
		Backoff:       cfg.DispatchBackoff,
	}
	if cfg.SkipBusyDrivers {
		busy := matcher.NewBusyDrivers(logger.With("component", "busy_drivers"))
		dispatcher.Busy = busy
		g.Go(func() error { return busy.Run(ctx, feed) })
	}
	trigger := matcher.NewTrigger(ctx, dispatcher, cfg.DispatchTriggerAttempts, cfg.DispatchBackoff, logger.With("component", "trigger"))
	defer trigger.Wait()

	rideSvc := &rides.Service{
		Store:   store,
		Cells:   cells,
		Fares:   pricing.NewCalculator(cfg.FareBase, cfg.FarePerKm, cfg.FareRounding),
		Trigger: trigger,
		Logger:  logger.With("component", "rides"),
	}

	if push != nil {
		n := &notify.Notifier{Tokens: tokens, Push: push, Logger: logger.With("component", "notifier")}
		g.Go(func() error { return n.Run(ctx, feed) })
	}
	if cfg.StripeAPIKey != "" {
		holds := &payments.FareHolds{
			Gateway:  payments.NewStripeClient(cfg.StripeAPIKey),
			Currency: cfg.PaymentsCurrency,
			Logger:   logger.With("component", "fare_holds"),
		}
		g.Go(func() error { return holds.Run(ctx, feed) })
	}

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
		locations = producer

		mirror := ingest.NewChangeMirror(cfg.KafkaBrokers, cfg.KafkaChangeTopic, logger.With("component", "change_mirror"))
		defer mirror.Close()
		g.Go(func() error { return mirror.Run(ctx, feed) })
	}

	api := httpapi.NewServer(httpapi.Deps{
		Rides:     rideSvc,
		Dispatch:  trigger,
		Offers:    offers,
		Feed:      feed,
		Drivers:   drivers,
		Locations: locations,
		Tokens:    tokens,
		WSReg:     wsreg,
		JWT:       auth.NewJWTService(cfg.JWTSecret, 24*time.Hour),
		Ready: func(ctx context.Context) error {
			for _, check := range ready {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "ranker", cfg.Ranker, "postgres", cfg.PGDSN != "", "redis", cfg.RedisAddr != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
