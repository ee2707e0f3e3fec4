package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"larkgate/internal/config"
	"larkgate/internal/constants"
	"larkgate/internal/dedup"
	"larkgate/internal/dispatch"
	"larkgate/internal/filter"
	"larkgate/internal/lark"
	"larkgate/internal/logger"
	"larkgate/internal/pairing"
	"larkgate/internal/webhook"
	"larkgate/pkg/health"
	"larkgate/pkg/metrics"
	"larkgate/pkg/middleware"
	"larkgate/pkg/ratelimit"
	"larkgate/pkg/tracing"
)

type App struct {
	config         *config.Config
	logger         logger.Logger
	router         *gin.Engine
	server         *http.Server
	events         *dedup.Cache
	messages       *dedup.Cache
	handler        *webhook.Handler
	dispatcher     dispatch.Dispatcher
	tracerProvider *tracing.TracerProvider
	httpClient     *http.Client
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("webhook-service")
	}
	return &App{
		config:     cfg,
		logger:     log,
		httpClient: &http.Client{Timeout: constants.DefaultHTTPTimeout},
	}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.RegisterWebhookMetrics()
	metrics.RegisterOutboundMetrics()
	if a.config.Dispatch.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}
	if a.config.Dispatch.Mode == constants.DispatcherBus {
		metrics.RegisterBusMetrics()
	}

	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	tp, err := tracing.Init(a.config.Tracing, "webhook-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

func (a *App) initPipeline(ctx context.Context) error {
	creds := lark.ResolveCredentials(a.config.Lark)

	var sender lark.Sender
	if creds != nil {
		tokens := lark.NewTenantTokenSource(creds, a.httpClient, a.config.Dispatch.TokenRetry)
		sender = lark.NewClient(creds, tokens, a.httpClient, a.config.Dispatch.CircuitBreaker, a.logger)
	} else {
		a.logger.WarnwCtx(ctx, "Outbound credentials not configured, replies disabled")
	}

	dispatcher, err := dispatch.New(a.config.Dispatch, sender, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	a.dispatcher = dispatcher

	evaluator, err := filter.New(a.config.Filter, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	a.events = dedup.NewCache("events", constants.DedupWindow, constants.DedupSweepInterval, nil, a.logger)
	a.messages = dedup.NewCache("messages", constants.DedupWindow, constants.DedupSweepInterval, nil, a.logger)

	a.handler = webhook.NewHandler(webhook.Options{
		Config:     a.config.Lark,
		Creds:      creds,
		Events:     a.events,
		Messages:   a.messages,
		Pairing:    pairing.NewRegistry(constants.PairingCodeTTL, a.logger),
		Filter:     evaluator,
		Dispatcher: dispatcher,
		Replier:    sender,
		Logger:     a.logger,
	})

	return nil
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("webhook-service"))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.RateLimit.RPS,
			Burst:           a.config.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.InfowCtx(context.Background(), "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	a.handler.RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewProviderAPIChecker(a.httpClient, a.config.Lark.BaseURL))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	return nil
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds * time.Second,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	a.events.Start()
	a.messages.Start()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(ctx, "Server listening",
			"port", a.config.Server.Port,
			"webhook_path", a.config.Lark.WebhookPath,
		)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(gCtx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	// Let in-flight dispatches drain before tearing the dispatcher down.
	if a.handler != nil {
		a.handler.Wait()
	}

	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher shutdown error: %w", err))
		}
	}

	if a.events != nil {
		a.events.Stop()
	}
	if a.messages != nil {
		a.messages.Stop()
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
