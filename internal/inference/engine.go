package inference

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/features"
)

// DefaultHorizon is the number of hourly steps forecast when a Request leaves
// Horizon unset.
const DefaultHorizon = 72

// Predictor is a trained single-output regressor.
type Predictor interface {
	Predict(x []float64) (float64, error)
}

// Request describes one forecast run.
type Request struct {
	Model          Predictor
	ModelName      string
	FeatureColumns []string
	// Context is recent feature history. Only the newest row seeds the run.
	Context []airquality.FeatureRow
	// Horizon is the number of hours to forecast; 0 means DefaultHorizon.
	Horizon int
	// Start is the timestamp of the first forecast hour.
	Start time.Time
}

// Engine rolls a one-step model forward hour by hour, feeding each adjusted
// output back as the next step's aqi_lag_1h.
type Engine struct {
	adjuster *Adjuster
	loc      *time.Location
	city     string
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an Engine. Calendar columns and hour_of_day are evaluated
// in loc (UTC when nil).
func NewEngine(adjuster *Adjuster, loc *time.Location, city string, logger *slog.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		adjuster: adjuster,
		loc:      loc,
		city:     city,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// WithClock overrides the time source used for created_at.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Forecast produces Horizon consecutive hourly predictions starting at
// req.Start. Any failing step aborts the run and nothing is returned.
func (e *Engine) Forecast(req Request) ([]airquality.Prediction, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	horizon := req.Horizon
	if horizon == 0 {
		horizon = DefaultHorizon
	}

	seed := latest(req.Context).Clone()
	createdAt := e.now()
	x := make([]float64, len(req.FeatureColumns))

	e.logger.Info("starting forecast",
		"model", req.ModelName,
		"horizon", horizon,
		"start", req.Start,
		"seed_timestamp", seed.Timestamp,
	)

	out := make([]airquality.Prediction, 0, horizon)
	for hour := 0; hour < horizon; hour++ {
		ts := req.Start.Add(time.Duration(hour) * time.Hour)

		for col, v := range features.Calendar(ts, e.loc) {
			seed.Values[col] = v
		}
		for i, col := range req.FeatureColumns {
			x[i] = seed.Values[col]
		}

		raw, err := req.Model.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %v", airquality.ErrInference, hour, ts.Format(time.RFC3339), err)
		}
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			return nil, fmt.Errorf("%w: step %d (%s): model returned %v", airquality.ErrInference, hour, ts.Format(time.RFC3339), raw)
		}

		localHour := ts.In(e.loc).Hour()
		adjusted := raw
		if e.adjuster != nil {
			adjusted = e.adjuster.Adjust(localHour, raw)
		}

		out = append(out, airquality.Prediction{
			Timestamp:       ts.UTC(),
			PredictedAQI:    adjusted,
			ModelName:       req.ModelName,
			CreatedAt:       createdAt,
			City:            e.city,
			HourOfDay:       localHour,
			DayOfPrediction: hour/24 + 1,
		})

		seed.Values[airquality.TargetLagColumn] = adjusted
	}

	e.logger.Info("forecast complete", "model", req.ModelName, "predictions", len(out))
	return out, nil
}

func validate(req Request) error {
	switch {
	case len(req.Context) == 0:
		return fmt.Errorf("%w: empty context", airquality.ErrInference)
	case req.Model == nil:
		return fmt.Errorf("%w: no model", airquality.ErrInference)
	case len(req.FeatureColumns) == 0:
		return fmt.Errorf("%w: no feature columns", airquality.ErrInference)
	case req.Horizon < 0:
		return fmt.Errorf("%w: horizon %d must be positive", airquality.ErrInference, req.Horizon)
	case req.Start.IsZero():
		return fmt.Errorf("%w: start time is required", airquality.ErrInference)
	}
	return nil
}

// latest returns the context row with the greatest timestamp.
func latest(rows []airquality.FeatureRow) airquality.FeatureRow {
	sorted := make([]airquality.FeatureRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted[len(sorted)-1]
}
