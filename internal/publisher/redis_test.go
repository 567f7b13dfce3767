package publisher

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/logger"
)

// Set REDIS_TEST_URL (e.g. redis://localhost:6379/15) to run against a live server.
func TestPublishAndLatest(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	channel := "aqi:test:" + uuid.NewString()

	r, err := ConnectRedis(ctx, url, channel, time.Minute, logger.FromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, err = r.Latest(ctx)
	assert.True(t, errors.Is(err, airquality.ErrNotFound))

	sub := r.client.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	batch := airquality.PredictionBatch{
		ID:        uuid.NewString(),
		ModelName: "ridge_regression",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Predictions: []airquality.Prediction{
			{Timestamp: time.Now().UTC().Truncate(time.Hour), PredictedAQI: 88, HourOfDay: 3, DayOfPrediction: 1},
		},
	}
	require.NoError(t, r.Publish(ctx, batch))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, batch.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	got, err := r.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, got.ID)
	assert.Len(t, got.Predictions, 1)
}

func TestConnectRedisRejectsBadURL(t *testing.T) {
	_, err := ConnectRedis(context.Background(), "not-a-url", "", 0, nil)
	assert.Error(t, err)
}
