package features

import (
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/logger"
)

var base = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC) // a Monday

func testLogger(t *testing.T) *slog.Logger {
	return logger.FromZap(zaptest.NewLogger(t))
}

func series(n int) []airquality.Observation {
	obs := make([]airquality.Observation, n)
	for i := range obs {
		obs[i] = airquality.Observation{
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			PM25:        airquality.Float(10 + float64(i)),
			PM10:        airquality.Float(20 + 2*float64(i)),
			CO:          airquality.Float(200),
			NO2:         airquality.Float(15),
			SO2:         airquality.Float(4),
			Ozone:       airquality.Float(60),
			Dust:        airquality.Float(1),
			UVIndex:     airquality.Float(0.5),
			Temperature: airquality.Float(20 + float64(i%5)),
			Humidity:    airquality.Float(50),
			WindSpeed:   airquality.Float(3),
		}
	}
	return obs
}

func TestConstructEmpty(t *testing.T) {
	c := NewConstructor(nil, "", testLogger(t))
	rows, err := c.Construct(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConstructCleanSeriesHasNoGaps(t *testing.T) {
	c := NewConstructor(time.UTC, "Karachi", testLogger(t))
	rows, err := c.Construct(series(5))
	require.NoError(t, err)
	require.Len(t, rows, 5)

	for i, r := range rows {
		assert.Equal(t, "Karachi", r.City)
		assert.Len(t, r.Values, len(airquality.Columns))
		for col, v := range r.Values {
			assert.Falsef(t, math.IsNaN(v), "row %d column %s is NaN", i, col)
		}
	}
}

func TestConstructSortsInput(t *testing.T) {
	obs := series(6)
	shuffled := make([]airquality.Observation, len(obs))
	copy(shuffled, obs)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	c := NewConstructor(nil, "", testLogger(t))
	want, err := c.Construct(obs)
	require.NoError(t, err)
	got, err := c.Construct(shuffled)
	require.NoError(t, err)

	assert.Equal(t, want, got)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Timestamp.Before(got[i].Timestamp))
	}
}

func TestConstructLagInvariant(t *testing.T) {
	obs := series(30)
	c := NewConstructor(nil, "", testLogger(t))
	rows, err := c.Construct(obs)
	require.NoError(t, err)

	for i := 1; i < len(rows); i++ {
		assert.Equal(t, *obs[i-1].PM25, rows[i].Values["pm2_5_lag_1h"], "row %d", i)
	}
	for i := 24; i < len(rows); i++ {
		assert.Equal(t, *obs[i-24].PM25, rows[i].Values["pm2_5_lag_24h"], "row %d", i)
	}

	// Leading undefined lags are backward-filled from the first defined one.
	assert.Equal(t, *obs[0].PM25, rows[0].Values["pm2_5_lag_1h"])
	for i := 0; i < 24; i++ {
		assert.Equal(t, *obs[0].PM25, rows[i].Values["pm2_5_lag_24h"])
	}
}

func TestConstructRollingInvariant(t *testing.T) {
	obs := series(10)
	c := NewConstructor(nil, "", testLogger(t))
	rows, err := c.Construct(obs)
	require.NoError(t, err)

	for i := range rows {
		start := i - 2
		if start < 0 {
			start = 0
		}
		var sum float64
		for j := start; j <= i; j++ {
			sum += *obs[j].PM25
		}
		want := sum / float64(i-start+1)
		assert.InDelta(t, want, rows[i].Values["pm2_5_rolling_3h"], 1e-9, "row %d", i)
	}
	// 24h window uses every available row early in the series.
	assert.InDelta(t, 14.5, rows[9].Values["pm2_5_rolling_24h"], 1e-9)
}

func TestConstructChangeRate(t *testing.T) {
	c := NewConstructor(nil, "", testLogger(t))
	rows, err := c.Construct(series(4))
	require.NoError(t, err)

	assert.Equal(t, 0.0, rows[0].Values[airquality.ColPM25ChangeRate])
	for i := 1; i < len(rows); i++ {
		assert.InDelta(t, 1.0, rows[i].Values[airquality.ColPM25ChangeRate], 1e-9)
	}
}

func TestConstructDerivesMissingAQI(t *testing.T) {
	obs := series(2)
	obs[0].PM25, obs[0].PM10 = airquality.Float(12.0), airquality.Float(54)
	obs[1].PM25, obs[1].PM10 = nil, nil
	obs[1].AQI = nil

	c := NewConstructor(nil, "", testLogger(t))
	rows, err := c.Construct(obs)
	require.NoError(t, err)

	assert.Equal(t, 50.0, rows[0].Values[airquality.ColAQI])
	assert.Equal(t, 0.0, rows[1].Values[airquality.ColAQI])
	// Missing raw PM readings are backfilled/forward-filled like any column.
	assert.Equal(t, 12.0, rows[1].Values[airquality.ColPM25])
}

func TestConstructKeepsProvidedAQI(t *testing.T) {
	obs := series(1)
	obs[0].AQI = airquality.Float(123)

	c := NewConstructor(nil, "", testLogger(t))
	rows, err := c.Construct(obs)
	require.NoError(t, err)
	assert.Equal(t, 123.0, rows[0].Values[airquality.ColAQI])
}

func TestConstructCalendarColumns(t *testing.T) {
	obs := series(1)
	obs[0].Timestamp = time.Date(2025, 1, 11, 18, 0, 0, 0, time.UTC) // Saturday

	c := NewConstructor(nil, "", testLogger(t))
	rows, err := c.Construct(obs)
	require.NoError(t, err)
	v := rows[0].Values

	assert.Equal(t, 18.0, v[airquality.ColHour])
	assert.Equal(t, 11.0, v[airquality.ColDay])
	assert.Equal(t, 1.0, v[airquality.ColMonth])
	assert.Equal(t, 5.0, v[airquality.ColDayOfWeek])
	assert.Equal(t, 1.0, v[airquality.ColIsWeekend])
	assert.InDelta(t, -1.0, v[airquality.ColHourSin], 1e-9)
	assert.InDelta(t, 0.0, v[airquality.ColHourCos], 1e-9)
}

func TestConstructCalendarUsesLocation(t *testing.T) {
	loc := time.FixedZone("PKT", 5*60*60)
	obs := series(1)

	c := NewConstructor(loc, "", testLogger(t))
	rows, err := c.Construct(obs)
	require.NoError(t, err)
	assert.Equal(t, 5.0, rows[0].Values[airquality.ColHour])
}

func TestConstructValidation(t *testing.T) {
	c := NewConstructor(nil, "", testLogger(t))

	t.Run("zero timestamp", func(t *testing.T) {
		obs := series(2)
		obs[1].Timestamp = time.Time{}
		_, err := c.Construct(obs)
		assert.True(t, errors.Is(err, airquality.ErrValidation))
	})

	t.Run("duplicate timestamp", func(t *testing.T) {
		obs := series(3)
		obs[2].Timestamp = obs[0].Timestamp
		_, err := c.Construct(obs)
		assert.True(t, errors.Is(err, airquality.ErrValidation))
	})

	t.Run("non-finite reading", func(t *testing.T) {
		obs := series(2)
		obs[0].CO = airquality.Float(math.Inf(1))
		_, err := c.Construct(obs)
		assert.True(t, errors.Is(err, airquality.ErrValidation))
	})
}
