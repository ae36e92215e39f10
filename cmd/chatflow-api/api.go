// Package main provides the Chatflow API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	engine      *engine.Engine
	persistence persistence.Persistence
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	engine *engine.Engine,
	persistence persistence.Persistence,
) *API {
	return &API{
		logger:      logger,
		engine:      engine,
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.engine, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Chatflow API")
	})

	v1 := app.Group("/v1")

	s := v1.Group("/sessions")
	s.Post("/", handlers.StartSession)
	s.Get("/:token", handlers.GetSession)
	s.Post("/:token/interact", handlers.Interact)
	s.Post("/:token/end", handlers.EndSession)

	f := v1.Group("/flows")
	f.Get("/", handlers.GetFlows)
	f.Post("/", handlers.PublishFlow)
	f.Get("/:id", handlers.GetFlow)

	v1.Post("/tasks/results", handlers.DeliverResult)
	v1.Get("/node-types", handlers.GetNodeTypes)

	app.Get("/health", handlers.HealthCheck)

	return app
}

// Start serves the API until ctx is cancelled.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()
		a.logger.Info("Shutting down API server")

		if err := app.Shutdown(); err != nil {
			a.logger.Error("Failed to shut down API server", "error", err)
		}
	}()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
