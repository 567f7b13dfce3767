package airquality

// Raw observation columns.
const (
	ColPM10        = "pm10"
	ColPM25        = "pm2_5"
	ColCO          = "co"
	ColNO2         = "no2"
	ColSO2         = "so2"
	ColOzone       = "ozone"
	ColDust        = "dust"
	ColUVIndex     = "uv_index"
	ColTemperature = "temperature"
	ColHumidity    = "humidity"
	ColWindSpeed   = "wind_speed"
	ColAQI         = "aqi"
)

// Calendar and cyclical columns. These depend only on the timestamp.
const (
	ColHour      = "hour"
	ColDay       = "day"
	ColMonth     = "month"
	ColDayOfWeek = "day_of_week"
	ColIsWeekend = "is_weekend"
	ColHourSin   = "hour_sin"
	ColHourCos   = "hour_cos"
	ColMonthSin  = "month_sin"
	ColMonthCos  = "month_cos"
)

// Derived columns that are referenced by name outside the constructor.
const (
	ColAQILag1h        = "aqi_lag_1h"
	ColAQIChangeRate   = "aqi_change_rate"
	ColPM25ChangeRate  = "pm2_5_change_rate"
	ColTempHumidity    = "temp_humidity"
	TargetColumn       = ColAQI
	TargetLagColumn    = ColAQILag1h
	lagSuffix1h        = "_lag_1h"
	lagSuffix24h       = "_lag_24h"
	rollingSuffix3h    = "_rolling_3h"
	rollingSuffix24h   = "_rolling_24h"
	changeRateSuffix   = "_change_rate"
	defaultColumnCount = 48
)

var (
	// RawColumns are the provider readings plus the derived AQI.
	RawColumns = []string{
		ColPM10, ColPM25, ColCO, ColNO2, ColSO2, ColOzone, ColDust,
		ColUVIndex, ColTemperature, ColHumidity, ColWindSpeed, ColAQI,
	}

	// CalendarColumns are recomputed from the timestamp, never carried.
	CalendarColumns = []string{
		ColHour, ColDay, ColMonth, ColDayOfWeek, ColIsWeekend,
		ColHourSin, ColHourCos, ColMonthSin, ColMonthCos,
	}

	// LagSources get 1h and 24h lag columns.
	LagSources = []string{ColPM25, ColPM10, ColAQI, ColTemperature, ColHumidity}

	// RollingSources get 3h and 24h trailing means.
	RollingSources = []string{ColPM25, ColPM10, ColAQI}

	// ChangeRateSources get first-difference columns.
	ChangeRateSources = []string{ColAQI, ColPM25}

	// NonFeatureColumns never enter a model's input vector: the target, its
	// direct ingredients and bookkeeping fields.
	NonFeatureColumns = map[string]bool{
		"timestamp":  true,
		ColAQI:       true,
		ColPM25:      true,
		ColPM10:      true,
		"created_at": true,
		"city":       true,
	}
)

// LagColumn returns the name of the lag column for src at the given hours.
func LagColumn(src string, hours int) string {
	if hours == 24 {
		return src + lagSuffix24h
	}
	return src + lagSuffix1h
}

// RollingColumn returns the name of the rolling mean column for src.
func RollingColumn(src string, hours int) string {
	if hours == 24 {
		return src + rollingSuffix24h
	}
	return src + rollingSuffix3h
}

// ChangeRateColumn returns the name of the first-difference column for src.
func ChangeRateColumn(src string) string {
	return src + changeRateSuffix
}

// Columns is the canonical order of every column a FeatureRow carries.
var Columns = buildColumns()

func buildColumns() []string {
	cols := make([]string, 0, defaultColumnCount)
	cols = append(cols, RawColumns...)
	cols = append(cols, CalendarColumns...)
	for _, src := range LagSources {
		cols = append(cols, LagColumn(src, 1), LagColumn(src, 24))
	}
	for _, src := range RollingSources {
		cols = append(cols, RollingColumn(src, 3), RollingColumn(src, 24))
	}
	for _, src := range ChangeRateSources {
		cols = append(cols, ChangeRateColumn(src))
	}
	cols = append(cols, ColTempHumidity)
	return cols
}

// FeatureColumns returns the model input columns in canonical order.
func FeatureColumns() []string {
	out := make([]string, 0, len(Columns))
	for _, c := range Columns {
		if !NonFeatureColumns[c] {
			out = append(out, c)
		}
	}
	return out
}

// IsCalendarColumn reports whether col is derived purely from the timestamp.
func IsCalendarColumn(col string) bool {
	for _, c := range CalendarColumns {
		if c == col {
			return true
		}
	}
	return false
}
