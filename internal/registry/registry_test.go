package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/logger"
	"github.com/i474232898/aqi-forecast/internal/registry"
	"github.com/i474232898/aqi-forecast/internal/store"
)

type tick struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tick) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newRegistry(t *testing.T, s registry.Store) *registry.Registry {
	clock := &tick{now: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}
	return registry.New(s, "Karachi", logger.FromZap(zaptest.NewLogger(t))).WithClock(clock.Now)
}

func TestSaveAssignsSequentialVersions(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, store.NewMemoryStore(0, 0))

	for want := 1; want <= 3; want++ {
		v, err := r.Save(ctx, []byte("model"), "ridge_regression", map[string]float64{"rmse": 5}, registry.Metadata{})
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}

	a, err := r.Load(ctx, "ridge_regression", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Version)
	assert.Equal(t, "Karachi", a.City)
}

func TestSaveConcurrentVersionsAreDistinct(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, store.NewMemoryStore(0, 0))

	const writers = 4
	versions := make(chan int, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Save(ctx, []byte("m"), "linear_regression", map[string]float64{"rmse": 1}, registry.Metadata{})
			if assert.NoError(t, err) {
				versions <- v
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)
}

func TestSaveValidation(t *testing.T) {
	r := newRegistry(t, store.NewMemoryStore(0, 0))

	_, err := r.Save(context.Background(), nil, "m", nil, registry.Metadata{})
	assert.True(t, errors.Is(err, airquality.ErrValidation))

	_, err = r.Save(context.Background(), []byte("x"), "", nil, registry.Metadata{})
	assert.True(t, errors.Is(err, airquality.ErrValidation))
}

type failingMetrics struct {
	*store.MemoryStore
}

func (failingMetrics) InsertMetrics(context.Context, registry.Metrics) error {
	return errors.New("write refused")
}

func TestSaveRollsBackWhenMetricsFail(t *testing.T) {
	ctx := context.Background()
	s := failingMetrics{store.NewMemoryStore(0, 0)}
	r := newRegistry(t, s)

	_, err := r.Save(ctx, []byte("m"), "ridge_regression", map[string]float64{"rmse": 1}, registry.Metadata{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, airquality.ErrInconsistentState))

	_, err = r.Load(ctx, "ridge_regression", 0)
	assert.True(t, errors.Is(err, airquality.ErrNotFound))
}

func TestGetBestUsesLatestVersionPerModel(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, store.NewMemoryStore(0, 0))

	// Linear v1 was excellent, but its newer v2 is worse than ridge.
	_, err := r.Save(ctx, []byte("lin1"), "linear_regression", map[string]float64{"rmse": 1}, registry.Metadata{})
	require.NoError(t, err)
	_, err = r.Save(ctx, []byte("ridge1"), "ridge_regression", map[string]float64{"rmse": 4}, registry.Metadata{})
	require.NoError(t, err)
	_, err = r.Save(ctx, []byte("lin2"), "linear_regression", map[string]float64{"rmse": 9}, registry.Metadata{})
	require.NoError(t, err)

	best, err := r.GetBest(ctx, registry.MetricRMSE)
	require.NoError(t, err)
	assert.Equal(t, "ridge_regression", best.ModelName)
	assert.Equal(t, []byte("ridge1"), best.Payload)
}

func TestGetBestErrors(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, store.NewMemoryStore(0, 0))

	_, err := r.GetBest(ctx, registry.MetricRMSE)
	assert.True(t, errors.Is(err, airquality.ErrNotFound))

	_, err = r.GetBest(ctx, registry.MetricR2)
	assert.True(t, errors.Is(err, airquality.ErrValidation))
}

func TestSelectBest(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   []registry.Metrics
		want string
		ok   bool
	}{
		{
			name: "empty",
			ok:   false,
		},
		{
			name: "missing metric is skipped",
			in: []registry.Metrics{
				{ModelName: "a", Version: 1, CreatedAt: at, Scores: map[string]float64{"mae": 1}},
				{ModelName: "b", Version: 1, CreatedAt: at, Scores: map[string]float64{"rmse": 3}},
			},
			want: "b",
			ok:   true,
		},
		{
			name: "equal scores prefer smaller name",
			in: []registry.Metrics{
				{ModelName: "zeta", Version: 1, CreatedAt: at, Scores: map[string]float64{"rmse": 2}},
				{ModelName: "alpha", Version: 1, CreatedAt: at, Scores: map[string]float64{"rmse": 2}},
			},
			want: "alpha",
			ok:   true,
		},
		{
			name: "same creation time prefers higher version",
			in: []registry.Metrics{
				{ModelName: "a", Version: 2, CreatedAt: at, Scores: map[string]float64{"rmse": 7}},
				{ModelName: "a", Version: 1, CreatedAt: at, Scores: map[string]float64{"rmse": 1}},
				{ModelName: "b", Version: 1, CreatedAt: at, Scores: map[string]float64{"rmse": 5}},
			},
			want: "b",
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := registry.SelectBest(tt.in, registry.MetricRMSE)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.ModelName)
			}
		})
	}
}

func TestListAndHistory(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, store.NewMemoryStore(0, 0))

	for _, name := range []string{"linear_regression", "ridge_regression", "linear_regression"} {
		_, err := r.Save(ctx, []byte("m"), name, map[string]float64{"rmse": 1}, registry.Metadata{})
		require.NoError(t, err)
	}

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "linear_regression", list[0].ModelName)
	assert.Equal(t, 2, list[0].LatestVersion)

	hist, err := r.History(ctx, "linear_regression")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 2, hist[0].Version)

	_, err = r.History(ctx, "unknown")
	assert.True(t, errors.Is(err, airquality.ErrNotFound))
}
