package airquality

import (
	"time"
)

// Observation is one hourly air-quality/weather sample for the tracked city.
// Readings are nil when the provider reported no value for that hour.
type Observation struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"` // always UTC

	PM10        *float64 `json:"pm10" bson:"pm10"`
	PM25        *float64 `json:"pm2_5" bson:"pm2_5"`
	CO          *float64 `json:"co" bson:"co"`
	NO2         *float64 `json:"no2" bson:"no2"`
	SO2         *float64 `json:"so2" bson:"so2"`
	Ozone       *float64 `json:"ozone" bson:"ozone"`
	Dust        *float64 `json:"dust" bson:"dust"`
	UVIndex     *float64 `json:"uv_index" bson:"uv_index"`
	Temperature *float64 `json:"temperature" bson:"temperature"`
	Humidity    *float64 `json:"humidity" bson:"humidity"`
	WindSpeed   *float64 `json:"wind_speed" bson:"wind_speed"`

	// AQI is derived from PM2.5/PM10 when absent.
	AQI *float64 `json:"aqi" bson:"aqi"`
}

// Readings returns the observation's numeric columns keyed by column name.
// Missing readings are omitted.
func (o Observation) Readings() map[string]float64 {
	out := make(map[string]float64, len(RawColumns))
	for col, v := range map[string]*float64{
		ColPM10:        o.PM10,
		ColPM25:        o.PM25,
		ColCO:          o.CO,
		ColNO2:         o.NO2,
		ColSO2:         o.SO2,
		ColOzone:       o.Ozone,
		ColDust:        o.Dust,
		ColUVIndex:     o.UVIndex,
		ColTemperature: o.Temperature,
		ColHumidity:    o.Humidity,
		ColWindSpeed:   o.WindSpeed,
		ColAQI:         o.AQI,
	} {
		if v != nil {
			out[col] = *v
		}
	}
	return out
}

// FeatureRow is an Observation enriched with calendar, lag, rolling, rate of
// change and interaction columns. Rows are immutable once constructed; a
// reprocessed hour replaces the stored row for that timestamp.
type FeatureRow struct {
	Timestamp time.Time          `json:"timestamp" bson:"timestamp"`
	City      string             `json:"city,omitempty" bson:"city,omitempty"`
	Values    map[string]float64 `json:"features" bson:"features"`
}

// Value returns the named column and whether the row carries it.
func (r FeatureRow) Value(col string) (float64, bool) {
	v, ok := r.Values[col]
	return v, ok
}

// Clone returns a deep copy of the row.
func (r FeatureRow) Clone() FeatureRow {
	values := make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	r.Values = values
	return r
}

// Prediction is a single forecasted hour.
type Prediction struct {
	BatchID         string    `json:"batch_id,omitempty" bson:"batch_id"`
	Timestamp       time.Time `json:"timestamp" bson:"timestamp"`
	PredictedAQI    float64   `json:"predicted_aqi" bson:"predicted_aqi"`
	ModelName       string    `json:"model_name" bson:"model_name"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	City            string    `json:"city,omitempty" bson:"city"`
	HourOfDay       int       `json:"hour_of_day" bson:"hour_of_day"`
	DayOfPrediction int       `json:"day_of_prediction" bson:"day_of_prediction"`
}

// PredictionBatch is the full output of one inference run.
type PredictionBatch struct {
	ID          string       `json:"batch_id"`
	ModelName   string       `json:"model_name"`
	CreatedAt   time.Time    `json:"created_at"`
	Predictions []Prediction `json:"predictions"`
}

// Float returns a pointer to v. Handy for building observations.
func Float(v float64) *float64 {
	return &v
}
