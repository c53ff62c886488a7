package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rivet-ci/rivet/sandbox"
	"github.com/rivet-ci/rivet/storage"
	"github.com/samber/lo"
)

// CreatePipelineRequest represents the JSON body for creating a pipeline.
// The script is the sole input; name, description, required modules, and
// runner tags are extracted from it.
type CreatePipelineRequest struct {
	Script string `json:"script"`
}

func registerPipelineRoutes(api *echo.Group, store storage.Driver) {
	// POST /api/pipeline/create - Create a pipeline from a Lua definition script
	api.POST("/pipeline/create", func(ctx echo.Context) error {
		var req CreatePipelineRequest
		if err := ctx.Bind(&req); err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
		}

		if req.Script == "" {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "script is required",
			})
		}

		metadata, err := sandbox.ParseMetadata(req.Script)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		}

		tags := lo.Map(metadata.Runner, func(tag sandbox.Tag, _ int) storage.Tag {
			return storage.Tag{Key: tag.Key, Value: tag.Value}
		})

		pipeline, err := store.CreatePipeline(ctx.Request().Context(), metadata.Name, metadata.Description, req.Script, metadata.Requires, tags)
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to create pipeline: %v", err),
			})
		}

		return ctx.JSON(http.StatusOK, pipeline)
	})

	// GET /api/pipeline/list - List pipeline summaries without script bodies
	api.GET("/pipeline/list", func(ctx echo.Context) error {
		pipelines, err := store.ListPipelines(ctx.Request().Context())
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to list pipelines: %v", err),
			})
		}

		summaries := lo.Map(pipelines, func(pipeline storage.Pipeline, _ int) storage.PipelineSummary {
			return pipeline.Summary()
		})

		return ctx.JSON(http.StatusOK, summaries)
	})

	// GET /api/pipeline/:id - Get a pipeline including its verbatim script
	api.GET("/pipeline/:id", func(ctx echo.Context) error {
		id := ctx.Param("id")

		pipeline, err := store.GetPipeline(ctx.Request().Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "pipeline not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to get pipeline: %v", err),
			})
		}

		return ctx.JSON(http.StatusOK, pipeline)
	})

	// DELETE /api/pipeline/:id - Delete a pipeline, its jobs, and their logs
	api.DELETE("/pipeline/:id", func(ctx echo.Context) error {
		id := ctx.Param("id")

		err := store.DeletePipeline(ctx.Request().Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "pipeline not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to delete pipeline: %v", err),
			})
		}

		return ctx.NoContent(http.StatusNoContent)
	})
}
