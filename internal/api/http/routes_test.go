package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/logger"
	"github.com/i474232898/aqi-forecast/internal/pipeline"
	"github.com/i474232898/aqi-forecast/internal/registry"
	"github.com/i474232898/aqi-forecast/internal/store"
)

type stubPipelines struct {
	store  *store.MemoryStore
	ran    []string
	runErr error
}

func (s *stubPipelines) Run(_ context.Context, name string) error {
	s.ran = append(s.ran, name)
	return s.runErr
}

func (s *stubPipelines) CurrentPredictions(ctx context.Context) (airquality.PredictionBatch, error) {
	return s.store.CurrentPredictions(ctx)
}

func (s *stubPipelines) FeaturesBetween(ctx context.Context, from, to time.Time) ([]airquality.FeatureRow, error) {
	return s.store.Features(ctx, from, to)
}

func newApp(t *testing.T) (*fiber.App, *stubPipelines, *registry.Registry) {
	t.Helper()
	mem := store.NewMemoryStore(0, 0)
	p := &stubPipelines{store: mem}
	reg := registry.New(mem, "Karachi", logger.FromZap(zaptest.NewLogger(t)))

	app := fiber.New()
	RegisterRoutes(app, p, reg)
	return app, p, reg
}

func do(t *testing.T, app *fiber.App, method, target string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	_ = json.Unmarshal(body, &out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	app, _, _ := newApp(t)
	code, body := do(t, app, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	app, _, _ := newApp(t)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPredictionsNotFoundThenServed(t *testing.T) {
	app, p, _ := newApp(t)

	code, _ := do(t, app, http.MethodGet, "/api/v1/predictions")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, p.store.ReplacePredictions(context.Background(), airquality.PredictionBatch{
		ID:          "batch-1",
		ModelName:   "ridge_regression",
		Predictions: []airquality.Prediction{{PredictedAQI: 77, HourOfDay: 0, DayOfPrediction: 1}},
	}))
	code, body := do(t, app, http.MethodGet, "/api/v1/predictions")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "batch-1", body["batch_id"])
}

func TestFeaturesRangeValidation(t *testing.T) {
	app, p, _ := newApp(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 5; h++ {
		require.NoError(t, p.store.SaveFeatures(context.Background(), []airquality.FeatureRow{{
			Timestamp: base.Add(time.Duration(h) * time.Hour),
			Values:    map[string]float64{airquality.ColAQI: float64(h)},
		}}))
	}

	code, _ := do(t, app, http.MethodGet, "/api/v1/features?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, app, http.MethodGet, "/api/v1/features?from=2025-01-02T00:00:00Z&to=2025-01-01T00:00:00Z")
	assert.Equal(t, http.StatusBadRequest, code)

	target := fmt.Sprintf("/api/v1/features?from=%d&to=%s", base.Add(time.Hour).Unix(), "2025-01-01T03:00:00Z")
	code, body := do(t, app, http.MethodGet, target)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["count"])
}

func TestModelsEndpoints(t *testing.T) {
	app, _, reg := newApp(t)
	ctx := context.Background()

	code, _ := do(t, app, http.MethodGet, "/api/v1/models/best")
	assert.Equal(t, http.StatusNotFound, code)

	_, err := reg.Save(ctx, []byte("a"), "linear_regression", map[string]float64{"rmse": 5}, registry.Metadata{})
	require.NoError(t, err)
	_, err = reg.Save(ctx, []byte("b"), "ridge_regression", map[string]float64{"rmse": 3}, registry.Metadata{})
	require.NoError(t, err)

	code, body := do(t, app, http.MethodGet, "/api/v1/models/best?metric=rmse")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ridge_regression", body["model_name"])
	assert.NotContains(t, body, "model_binary")

	code, _ = do(t, app, http.MethodGet, "/api/v1/models/best?metric=r2")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, app, http.MethodGet, "/api/v1/models")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["models"], 2)

	code, body = do(t, app, http.MethodGet, "/api/v1/models/linear_regression/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["metrics"], 1)

	code, _ = do(t, app, http.MethodGet, "/api/v1/models/unknown/metrics")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPipelineTrigger(t *testing.T) {
	app, p, _ := newApp(t)

	code, _ := do(t, app, http.MethodPost, "/api/v1/pipelines/nope")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, p.ran)

	code, body := do(t, app, http.MethodPost, "/api/v1/pipelines/training")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, []string{"training"}, p.ran)

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: too few rows", airquality.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("no model: %w", airquality.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: inference", pipeline.ErrBusy), http.StatusConflict},
		{fmt.Errorf("%w: step 3", airquality.ErrInference), http.StatusInternalServerError},
		{errors.New("mongo down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		p.runErr = tt.err
		code, _ := do(t, app, http.MethodPost, "/api/v1/pipelines/inference")
		assert.Equal(t, tt.want, code, "error %v", tt.err)
	}
}
