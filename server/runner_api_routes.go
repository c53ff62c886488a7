package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rivet-ci/rivet/storage"
)

const maxRunnerIDLen = 255

// RegisterRunnerRequest represents the JSON body for registering a runner.
// Registration is an upsert; re-registering refreshes the heartbeat.
type RegisterRunnerRequest struct {
	RunnerID     string   `json:"runner_id"`
	Capabilities []string `json:"capabilities"`
}

func registerRunnerRoutes(api *echo.Group, store storage.Driver) {
	// POST /api/runners/register - Register or re-register a runner
	api.POST("/runners/register", func(ctx echo.Context) error {
		var req RegisterRunnerRequest
		if err := ctx.Bind(&req); err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
		}

		if req.RunnerID == "" {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "runner_id is required",
			})
		}

		if len(req.RunnerID) > maxRunnerIDLen {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("runner_id is too long (max: %d chars)", maxRunnerIDLen),
			})
		}

		runner, err := store.RegisterRunner(ctx.Request().Context(), req.RunnerID, req.Capabilities)
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to register runner: %v", err),
			})
		}

		return ctx.JSON(http.StatusOK, runner)
	})

	// POST /api/runners/:id/heartbeat - Keep a runner marked online
	api.POST("/runners/:id/heartbeat", func(ctx echo.Context) error {
		err := store.HeartbeatRunner(ctx.Request().Context(), ctx.Param("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "runner not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to update heartbeat: %v", err),
			})
		}

		return ctx.NoContent(http.StatusNoContent)
	})

	// GET /api/runners - List all registered runners
	api.GET("/runners", func(ctx echo.Context) error {
		runners, err := store.ListRunners(ctx.Request().Context())
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to list runners: %v", err),
			})
		}

		if runners == nil {
			runners = []storage.Runner{}
		}

		return ctx.JSON(http.StatusOK, runners)
	})

	// GET /api/runners/:id - Get a runner
	api.GET("/runners/:id", func(ctx echo.Context) error {
		runner, err := store.GetRunner(ctx.Request().Context(), ctx.Param("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "runner not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to get runner: %v", err),
			})
		}

		return ctx.JSON(http.StatusOK, runner)
	})

	// DELETE /api/runners/:id - Remove a runner from the registry
	api.DELETE("/runners/:id", func(ctx echo.Context) error {
		err := store.DeleteRunner(ctx.Request().Context(), ctx.Param("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "runner not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to delete runner: %v", err),
			})
		}

		return ctx.NoContent(http.StatusNoContent)
	})
}
