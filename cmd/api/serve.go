package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/api/handlers"
	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/middleware/ratelimit"
	"github.com/evidence-on-demand/backend/internal/middleware/security"
	"github.com/evidence-on-demand/backend/internal/middleware/validation"
	"github.com/evidence-on-demand/backend/pkg/config"
	appLogger "github.com/evidence-on-demand/backend/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Evidence-on-Demand API Server")
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.Integrations.Watch {
		go func() {
			if err := deps.registry.Watch(ctx); err != nil {
				appLogger.Warn("Integrations watcher stopped", zap.Error(err))
			}
		}()
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		IdentityHeader:       handlers.IdentityHeader,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app := newApp(cfg, deps, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
	return nil
}

func newApp(cfg *config.Config, deps *components, limiter *ratelimit.RateLimiter) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	origins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Server.AllowedOrigins, ", ")
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, " + handlers.IdentityHeader,
		AllowMethods:  "GET, POST, PUT, OPTIONS",
		ExposeHeaders: "Content-Disposition, ETag",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	queryHandler := handlers.NewQueryHandler(deps.orchestrator, deps.registry)
	wsHandler := handlers.NewWebSocketHandler(deps.orchestrator, deps.registry)
	exportHandler := handlers.NewExportHandler(deps.exporter, cfg.Server.ExportTimeoutDuration())
	auditHandler := handlers.NewAuditHandler(deps.recorder)
	integrationsHandler := handlers.NewIntegrationsHandler(deps.registry)

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ready",
			"integrations": len(deps.registry.Connected()),
		})
	})

	api.Get("/metrics", metrics.MetricsHandler())

	api.Use("/ws", limiter.Middleware(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals(handlers.IdentityHeader, c.Get(handlers.IdentityHeader))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(wsHandler.HandleConnection))

	validate := validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	})

	// A rate-limited question is still an attempt and gets audited.
	api.Post("/query", limiter.Limited(queryHandler.HandleRateLimited), validate, queryHandler.HandleQuery)

	guarded := api.Group("", limiter.Middleware(), validate)

	guarded.Post("/exports", exportHandler.HandleExport)

	guarded.Get("/audit", auditHandler.ListEntries)
	guarded.Get("/audit/:id", auditHandler.GetEntry)
	guarded.Get("/audit/:id/details", auditHandler.GetDetails)

	guarded.Get("/integrations", integrationsHandler.List)
	guarded.Put("/integrations/:id", integrationsHandler.Update)

	return app
}
