package features

import (
	"math"
	"time"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

// Calendar returns the calendar and cyclical columns for ts, evaluated in loc
// (UTC when loc is nil). day_of_week counts Monday as 0.
func Calendar(ts time.Time, loc *time.Location) map[string]float64 {
	if loc == nil {
		loc = time.UTC
	}
	t := ts.In(loc)

	hour := float64(t.Hour())
	month := float64(t.Month())
	dow := (int(t.Weekday()) + 6) % 7

	weekend := 0.0
	if dow >= 5 {
		weekend = 1
	}

	return map[string]float64{
		airquality.ColHour:      hour,
		airquality.ColDay:       float64(t.Day()),
		airquality.ColMonth:     month,
		airquality.ColDayOfWeek: float64(dow),
		airquality.ColIsWeekend: weekend,
		airquality.ColHourSin:   math.Sin(2 * math.Pi * hour / 24),
		airquality.ColHourCos:   math.Cos(2 * math.Pi * hour / 24),
		airquality.ColMonthSin:  math.Sin(2 * math.Pi * month / 12),
		airquality.ColMonthCos:  math.Cos(2 * math.Pi * month / 12),
	}
}
