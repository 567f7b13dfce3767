package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/pipeline"
	"github.com/i474232898/aqi-forecast/internal/registry"
)

var validate = validator.New()

// Pipelines is the part of pipeline.Service the API uses.
type Pipelines interface {
	Run(ctx context.Context, name string) error
	CurrentPredictions(ctx context.Context) (airquality.PredictionBatch, error)
	FeaturesBetween(ctx context.Context, from, to time.Time) ([]airquality.FeatureRow, error)
}

// Models is the part of registry.Registry the API uses.
type Models interface {
	List(ctx context.Context) ([]registry.Summary, error)
	GetBest(ctx context.Context, metric string) (registry.Artifact, error)
	History(ctx context.Context, name string) ([]registry.Metrics, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, pipelines Pipelines, models Models) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "aqi-forecast",
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/predictions", func(c *fiber.Ctx) error {
		batch, err := pipelines.CurrentPredictions(c.UserContext())
		if err != nil {
			return toHTTPError(err, "no predictions available")
		}
		return c.JSON(batch)
	})

	v1.Get("/features", func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		rows, err := pipelines.FeaturesBetween(c.UserContext(), req.From, req.To)
		if err != nil {
			return toHTTPError(err, "failed to load features")
		}
		return c.JSON(fiber.Map{
			"from":     req.From,
			"to":       req.To,
			"count":    len(rows),
			"features": rows,
		})
	})

	v1.Get("/models", func(c *fiber.Ctx) error {
		list, err := models.List(c.UserContext())
		if err != nil {
			return toHTTPError(err, "failed to list models")
		}
		return c.JSON(fiber.Map{"models": list})
	})

	v1.Get("/models/best", func(c *fiber.Ctx) error {
		q := bestQuery{Metric: c.Query("metric", registry.MetricRMSE)}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		best, err := models.GetBest(c.UserContext(), q.Metric)
		if err != nil {
			return toHTTPError(err, "no model reports "+q.Metric)
		}
		return c.JSON(best)
	})

	v1.Get("/models/:name/metrics", func(c *fiber.Ctx) error {
		name := c.Params("name")
		history, err := models.History(c.UserContext(), name)
		if err != nil {
			return toHTTPError(err, "no metrics for model "+name)
		}
		return c.JSON(fiber.Map{"model_name": name, "metrics": history})
	})

	v1.Post("/pipelines/:name", func(c *fiber.Ctx) error {
		q := pipelineParam{Name: c.Params("name")}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		started := time.Now()
		if err := pipelines.Run(c.UserContext(), q.Name); err != nil {
			return toHTTPError(err, q.Name+" pipeline failed")
		}
		return c.JSON(fiber.Map{
			"pipeline": q.Name,
			"status":   "completed",
			"duration": time.Since(started).String(),
		})
	})
}

// toHTTPError maps domain errors to status codes. Validation failures echo
// the error; everything else returns msg.
func toHTTPError(err error, msg string) error {
	switch {
	case errors.Is(err, airquality.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, airquality.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, msg)
	case errors.Is(err, pipeline.ErrBusy):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, msg)
	}
}

type bestQuery struct {
	Metric string `validate:"required,oneof=rmse mae mse mape"`
}

type pipelineParam struct {
	Name string `validate:"required,oneof=feature backfill training inference cleanup"`
}

// rangeQuery holds the optional from/to bounds of the features endpoint.
type rangeQuery struct {
	From time.Time
	To   time.Time `validate:"omitempty,gtefield=From"`
}

func (r *rangeQuery) bind(c *fiber.Ctx) error {
	if s := c.Query("from"); s != "" {
		from, err := parseTime(s)
		if err != nil {
			return err
		}
		r.From = from
	}
	if s := c.Query("to"); s != "" {
		to, err := parseTime(s)
		if err != nil {
			return err
		}
		r.To = to
	}
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
