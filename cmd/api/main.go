package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/kallkeyy/storefront-api/internal/di"
	"github.com/kallkeyy/storefront-api/internal/handlers"
	"github.com/kallkeyy/storefront-api/internal/platform/config"
	pfirestore "github.com/kallkeyy/storefront-api/internal/platform/firestore"
	"github.com/kallkeyy/storefront-api/internal/platform/idempotency"
	"github.com/kallkeyy/storefront-api/internal/platform/jobs"
	"github.com/kallkeyy/storefront-api/internal/platform/observability"
	firestoreRepo "github.com/kallkeyy/storefront-api/internal/repositories/firestore"
	"github.com/kallkeyy/storefront-api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	var events services.SettlementEventPublisher
	var pubsubClient *pubsub.Client
	if topicID := strings.TrimSpace(cfg.PubSub.Topic); topicID != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		publisher, err := jobs.NewPubSubOrderEventPublisher(pubsubClient.Topic(topicID))
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
		events = publisher
	}
	defer func() {
		if pubsubClient != nil {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	}()

	container, err := di.NewContainer(ctx, cfg, registry, di.Externals{
		Events: events,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	webhookIdempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithKeyExtractor(webhookIdempotencyKey(cfg.Idempotency.Header)),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildVersion(), buildEnvironment(), startedAt),
		handlers.WithReadinessCheck("firestore", registry.Health().Check),
	)

	orderHandlers := handlers.NewOrderHandlers(container.Services.Settlement)
	adminHandlers := handlers.NewAdminOrderHandlers(container.Services.Settlement)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Settlement)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(webhookIdempotencyMiddleware),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	var sweepTicker *time.Ticker
	if cfg.Settlement.SweepInterval > 0 {
		sweepTicker = time.NewTicker(cfg.Settlement.SweepInterval)
		sweepWG.Add(1)
		go func() {
			defer sweepWG.Done()
			sweepLogger := logger.Named("sweeper")
			for {
				select {
				case <-sweepTicker.C:
					runCtx, cancel := context.WithTimeout(sweepCtx, time.Minute)
					swept, err := container.Services.Settlement.SweepExpiredReservations(runCtx, time.Now().UTC())
					cancel()
					if err != nil {
						sweepLogger.Error("reservation sweep error", zap.Error(err))
						continue
					}
					if swept > 0 {
						sweepLogger.Info("expired reservations swept", zap.Int("count", swept))
					}
				case <-sweepCtx.Done():
					return
				}
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if sweepTicker != nil {
		sweepTicker.Stop()
	}
	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// webhookIdempotencyKey honours the idempotency header when present.
// Payment providers do not send one, so duplicate callbacks are keyed by
// the payment they deliver.
func webhookIdempotencyKey(header string) idempotency.KeyExtractor {
	return func(r *http.Request, body []byte) string {
		if key := strings.TrimSpace(r.Header.Get(header)); key != "" {
			return key
		}
		var payload struct {
			OrderID           string `json:"order_id"`
			ProviderPaymentID string `json:"provider_payment_id"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return ""
		}
		paymentID := strings.TrimSpace(payload.ProviderPaymentID)
		if paymentID == "" {
			return ""
		}
		return "payment-callback|" + strings.TrimSpace(payload.OrderID) + "|" + paymentID
	}
}

func buildVersion() string {
	if v := strings.TrimSpace(os.Getenv("API_BUILD_VERSION")); v != "" {
		return v
	}
	return "dev"
}

func buildEnvironment() string {
	if v := strings.TrimSpace(os.Getenv("API_ENVIRONMENT")); v != "" {
		return v
	}
	return "local"
}
