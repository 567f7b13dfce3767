package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/logger"
	"github.com/i474232898/aqi-forecast/internal/registry"
)

// connectTestMongo uses MONGODB_TEST_URI and throwaway database names.
func connectTestMongo(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	suffix := strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	ctx := context.Background()

	s, err := ConnectMongo(ctx, MongoConfig{
		URI:                uri,
		FeatureDatabase:    "aqi_features_" + suffix,
		ModelDatabase:      "aqi_models_" + suffix,
		PredictionDatabase: "aqi_predictions_" + suffix,
		City:               "Karachi",
	}, logger.FromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)

	t.Cleanup(func() {
		for _, db := range []string{"aqi_features_", "aqi_models_", "aqi_predictions_"} {
			_ = s.client.Database(db + suffix).Drop(ctx)
		}
		_ = s.Close(ctx)
	})
	return s
}

func TestMongoFeatureRoundTrip(t *testing.T) {
	s := connectTestMongo(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFeatures(ctx, []airquality.FeatureRow{hourRow(0, 10), hourRow(1, 11), hourRow(2, 12)}))
	require.NoError(t, s.SaveFeatures(ctx, []airquality.FeatureRow{hourRow(1, 99)}))

	rows, err := s.LatestFeatures(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 99.0, rows[0].Values[airquality.ColAQI])
	assert.Equal(t, t0.Add(2*time.Hour), rows[1].Timestamp)

	n, err := s.DeleteBefore(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMongoVersionConflict(t *testing.T) {
	s := connectTestMongo(t)
	ctx := context.Background()

	a := registry.Artifact{ModelName: "ridge_regression", Version: 1, Payload: []byte("m"), CreatedAt: t0}
	id, err := s.InsertArtifact(ctx, a)
	require.NoError(t, err)
	_, err = s.InsertArtifact(ctx, a)
	assert.True(t, errors.Is(err, registry.ErrVersionConflict))

	require.NoError(t, s.InsertMetrics(ctx, registry.Metrics{
		ModelName: "ridge_regression", Version: 1, ModelID: id,
		Scores: map[string]float64{"rmse": 3}, CreatedAt: t0,
	}))
	ms, err := s.ListMetrics(ctx, "ridge_regression")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, id, ms[0].ModelID)

	found, err := s.FindArtifact(ctx, "ridge_regression", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("m"), found.Payload)
}

func TestMongoReplacePredictions(t *testing.T) {
	s := connectTestMongo(t)
	ctx := context.Background()

	for _, id := range []string{"first", "second"} {
		batch := airquality.PredictionBatch{ID: id, ModelName: "m", CreatedAt: t0}
		for h := 0; h < 3; h++ {
			batch.Predictions = append(batch.Predictions, airquality.Prediction{
				Timestamp: t0.Add(time.Duration(h) * time.Hour), PredictedAQI: float64(h),
			})
		}
		require.NoError(t, s.ReplacePredictions(ctx, batch))
	}

	got, err := s.CurrentPredictions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", got.ID)
	assert.Len(t, got.Predictions, 3)

	total, err := s.predictions.CountDocuments(ctx, map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}
