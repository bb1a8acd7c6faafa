// Command api runs the checkout orchestration HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/threadline/checkout/internal/aggregator"
	"github.com/threadline/checkout/internal/gateway"
	"github.com/threadline/checkout/internal/handlers"
	"github.com/threadline/checkout/internal/platform/config"
	"github.com/threadline/checkout/internal/platform/events"
	"github.com/threadline/checkout/internal/platform/observability"
	"github.com/threadline/checkout/internal/platform/secrets"
	"github.com/threadline/checkout/internal/services"
	"github.com/threadline/checkout/internal/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()

	logger, err := observability.NewLogger()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(os.Getenv("CHECKOUT_FIRESTORE_PROJECT_ID")),
	)
	if err != nil {
		logger.Fatal("init secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("close secret fetcher", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if cfg.Firestore.EmulatorHost != "" {
		_ = os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.Firestore.EmulatorHost)
	}

	var (
		sessions        session.Store
		firestoreClient *firestore.Client
	)
	if cfg.Firestore.ProjectID != "" {
		firestoreClient, err = firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			logger.Fatal("init firestore client", zap.Error(err))
		}
		defer func() {
			if err := firestoreClient.Close(); err != nil {
				logger.Warn("close firestore client", zap.Error(err))
			}
		}()
		sessions = session.NewFirestoreStore(firestoreClient, session.WithCollection(cfg.Firestore.SessionCollection))
		logger.Info("session store ready", zap.String("backend", "firestore"), zap.String("collection", cfg.Firestore.SessionCollection))
	} else {
		sessions = session.NewMemoryStore()
		logger.Info("session store ready", zap.String("backend", "memory"))
	}

	gw, err := gateway.NewHTTPClient(gateway.HTTPClientConfig{
		BaseURL:     cfg.Platform.BaseURL,
		Token:       cfg.Platform.Token,
		HTTPClient:  &http.Client{Timeout: cfg.Platform.Timeout},
		Logger:      observability.EventLogger(logger.Named("gateway")),
		MaxAttempts: cfg.Platform.MaxAttempts,
	})
	if err != nil {
		logger.Fatal("init platform gateway", zap.Error(err))
	}

	var registry *aggregator.Registry
	if cfg.Stripe.APIKey != "" {
		bridge, err := aggregator.NewStripeBridge(aggregator.StripeBridgeConfig{
			APIKey: cfg.Stripe.APIKey,
			Logger: observability.EventLogger(logger.Named("stripe")),
			Clock:  time.Now,
		})
		if err != nil {
			logger.Fatal("init stripe bridge", zap.Error(err))
		}
		registry, err = aggregator.NewRegistry(map[string]aggregator.Bridge{
			"stripe": bridge,
		})
		if err != nil {
			logger.Fatal("init aggregator registry", zap.Error(err))
		}
	}

	var publisher *events.PubSubOrderPublisher
	if cfg.Events.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("init pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("close pubsub client", zap.Error(err))
			}
		}()
		publisher, err = events.NewPubSubOrderPublisher(pubsubClient.Topic(cfg.Events.OrderTopic))
		if err != nil {
			logger.Fatal("init order publisher", zap.Error(err))
		}
		logger.Info("order events ready", zap.String("topic", cfg.Events.OrderTopic))
	}

	optionsService, err := services.NewOptionsService(services.OptionsServiceDeps{
		Gateway: gw,
		Clock:   time.Now,
		Logger:  observability.EventLogger(logger.Named("options")),
		TTL:     cfg.Options.TTL,
	})
	if err != nil {
		logger.Fatal("init options service", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Gateway:  gw,
		Sessions: sessions,
		Options:  optionsService,
		Clock:    time.Now,
		Logger:   observability.EventLogger(logger.Named("cart")),
	})
	if err != nil {
		logger.Fatal("init cart service", zap.Error(err))
	}

	couponService, err := services.NewCouponService(services.CouponServiceDeps{
		Gateway:  gw,
		Cart:     cartService,
		Sessions: sessions,
		Clock:    time.Now,
		Logger:   observability.EventLogger(logger.Named("coupon")),
	})
	if err != nil {
		logger.Fatal("init coupon service", zap.Error(err))
	}

	paymentDeps := services.PaymentServiceDeps{
		Gateway:     gw,
		Cart:        cartService,
		Options:     optionsService,
		Sessions:    sessions,
		Aggregators: registry,
		Clock:       time.Now,
		Logger:      observability.EventLogger(logger.Named("payment")),
		IDGenerator: func() string { return ulid.Make().String() },
	}
	if publisher != nil {
		paymentDeps.Publisher = publisher
	}
	paymentService, err := services.NewPaymentService(paymentDeps)
	if err != nil {
		logger.Fatal("init payment service", zap.Error(err))
	}

	checks := map[string]handlers.ReadinessCheck{}
	if firestoreClient != nil {
		checks["firestore"] = func(ctx context.Context) error {
			it := firestoreClient.Collections(ctx)
			if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
				return err
			}
			return nil
		}
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(checks)),
		handlers.WithCartRoutes(handlers.NewCartHandlers(cartService, couponService).Routes),
		handlers.WithPaymentRoutes(handlers.NewPaymentHandlers(cartService, optionsService, paymentService).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("server failed", zap.Error(err))
	case sig := <-stop:
		logger.Info("shutdown requested", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
