package server

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rivet-ci/rivet/storage"
	slogecho "github.com/samber/slog-echo"
)

// Router wraps echo.Echo with the orchestrator HTTP API mounted under /api.
type Router struct {
	*echo.Echo
}

func NewRouter(logger *slog.Logger, store storage.Driver) *Router {
	router := echo.New()

	router.Use(slogecho.New(logger))
	router.Use(middleware.Recover())

	api := router.Group("/api")

	// GET /api/health - Liveness probe
	api.GET("/health", func(ctx echo.Context) error {
		return ctx.String(http.StatusOK, "OK")
	})

	registerPipelineRoutes(api, store)
	registerJobRoutes(api, store)
	registerRunnerRoutes(api, store)

	return &Router{
		Echo: router,
	}
}
