package features

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

// Constructor turns an hourly observation series into model-ready feature rows.
type Constructor struct {
	loc    *time.Location
	city   string
	logger *slog.Logger
}

// NewConstructor creates a Constructor. Calendar columns are evaluated in loc
// (UTC when nil).
func NewConstructor(loc *time.Location, city string, logger *slog.Logger) *Constructor {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Constructor{loc: loc, city: city, logger: logger}
}

// Construct sorts the observations by timestamp and derives one FeatureRow per
// observation. Derived values are positional: row i's lags and windows refer
// to rows i-1, i-24 and so on in the sorted sequence, not to wall-clock hours.
// Every numeric column is gap-filled, so no row is dropped.
func (c *Constructor) Construct(observations []airquality.Observation) ([]airquality.FeatureRow, error) {
	if len(observations) == 0 {
		c.logger.Warn("feature construction called with no observations")
		return []airquality.FeatureRow{}, nil
	}

	obs, err := sortAndValidate(observations)
	if err != nil {
		return nil, err
	}
	n := len(obs)

	c.logger.Info("starting feature construction", "records", n)

	frame := make(map[string][]float64, len(airquality.Columns))

	for _, col := range airquality.RawColumns {
		frame[col] = nanColumn(n)
	}
	for i, o := range obs {
		if o.AQI == nil {
			o.AQI = airquality.Float(airquality.CalculateAQI(o.PM25, o.PM10))
		}
		for col, v := range o.Readings() {
			frame[col][i] = v
		}
	}

	for _, col := range airquality.CalendarColumns {
		frame[col] = make([]float64, n)
	}
	for i, o := range obs {
		for col, v := range Calendar(o.Timestamp, c.loc) {
			frame[col][i] = v
		}
	}

	for _, src := range airquality.LagSources {
		frame[airquality.LagColumn(src, 1)] = shift(frame[src], 1)
		frame[airquality.LagColumn(src, 24)] = shift(frame[src], 24)
	}
	for _, src := range airquality.RollingSources {
		frame[airquality.RollingColumn(src, 3)] = rollingMean(frame[src], 3)
		frame[airquality.RollingColumn(src, 24)] = rollingMean(frame[src], 24)
	}
	for _, src := range airquality.ChangeRateSources {
		frame[airquality.ChangeRateColumn(src)] = diff(frame[src])
	}

	interaction := make([]float64, n)
	temp, hum := frame[airquality.ColTemperature], frame[airquality.ColHumidity]
	for i := range interaction {
		interaction[i] = temp[i] * hum[i]
	}
	frame[airquality.ColTempHumidity] = interaction

	filled := 0
	for _, col := range airquality.Columns {
		filled += countNaN(frame[col])
		FillMissing(frame[col])
	}

	rows := make([]airquality.FeatureRow, n)
	for i, o := range obs {
		values := make(map[string]float64, len(airquality.Columns))
		for _, col := range airquality.Columns {
			values[col] = frame[col][i]
		}
		rows[i] = airquality.FeatureRow{
			Timestamp: o.Timestamp,
			City:      c.city,
			Values:    values,
		}
	}

	c.logger.Info("feature construction complete",
		"records", n,
		"columns", len(airquality.Columns),
		"filled_cells", filled,
	)
	return rows, nil
}

func sortAndValidate(observations []airquality.Observation) ([]airquality.Observation, error) {
	obs := make([]airquality.Observation, len(observations))
	copy(obs, observations)

	for i, o := range obs {
		if o.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: observation %d has no timestamp", airquality.ErrValidation, i)
		}
		for col, v := range o.Readings() {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: observation at %s has non-finite %s",
					airquality.ErrValidation, o.Timestamp.Format(time.RFC3339), col)
			}
		}
		obs[i].Timestamp = o.Timestamp.UTC()
	}

	sort.SliceStable(obs, func(i, j int) bool {
		return obs[i].Timestamp.Before(obs[j].Timestamp)
	})

	for i := 1; i < len(obs); i++ {
		if obs[i].Timestamp.Equal(obs[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: duplicate observation at %s",
				airquality.ErrValidation, obs[i].Timestamp.Format(time.RFC3339))
		}
	}
	return obs, nil
}

func nanColumn(n int) []float64 {
	col := make([]float64, n)
	for i := range col {
		col[i] = math.NaN()
	}
	return col
}

// shift moves values k positions later; the first k slots are NaN.
func shift(col []float64, k int) []float64 {
	out := nanColumn(len(col))
	for i := k; i < len(col); i++ {
		out[i] = col[i-k]
	}
	return out
}

// rollingMean is the mean of the defined values in the trailing window of up
// to size rows ending at each position. A window with no defined value is NaN.
func rollingMean(col []float64, size int) []float64 {
	out := make([]float64, len(col))
	for i := range col {
		start := i - size + 1
		if start < 0 {
			start = 0
		}
		window := make([]float64, 0, i+1-start)
		for _, v := range col[start : i+1] {
			if !math.IsNaN(v) {
				window = append(window, v)
			}
		}
		if len(window) == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = stat.Mean(window, nil)
	}
	return out
}

// diff is the first difference; the first row is 0.
func diff(col []float64) []float64 {
	out := make([]float64, len(col))
	for i := 1; i < len(col); i++ {
		out[i] = col[i] - col[i-1]
	}
	return out
}

func countNaN(col []float64) int {
	n := 0
	for _, v := range col {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}
