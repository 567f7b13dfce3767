package airquality

import (
	"sort"
	"time"
)

// PollutantReading is one hour from the air-quality source.
type PollutantReading struct {
	Timestamp time.Time
	PM10      *float64
	PM25      *float64
	CO        *float64
	NO2       *float64
	SO2       *float64
	Ozone     *float64
	Dust      *float64
	UVIndex   *float64
}

// WeatherReading is one hour from the weather source.
type WeatherReading struct {
	Timestamp   time.Time
	Temperature *float64
	Humidity    *float64
	WindSpeed   *float64
	UVIndex     *float64
}

// MergeReadings inner-joins pollutant and weather hours on timestamp and
// derives the AQI for every merged hour. Hours present in only one source are
// dropped. The result is sorted ascending by timestamp.
func MergeReadings(pollutants []PollutantReading, weather []WeatherReading) []Observation {
	if len(pollutants) == 0 || len(weather) == 0 {
		return nil
	}

	byHour := make(map[int64]WeatherReading, len(weather))
	for _, w := range weather {
		byHour[w.Timestamp.UTC().Unix()] = w
	}

	out := make([]Observation, 0, len(pollutants))
	seen := make(map[int64]bool, len(pollutants))
	for _, p := range pollutants {
		key := p.Timestamp.UTC().Unix()
		w, ok := byHour[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true

		uv := p.UVIndex
		if uv == nil {
			// Only the weather archive carries UV for historical hours.
			uv = w.UVIndex
		}

		obs := Observation{
			Timestamp:   p.Timestamp.UTC(),
			PM10:        p.PM10,
			PM25:        p.PM25,
			CO:          p.CO,
			NO2:         p.NO2,
			SO2:         p.SO2,
			Ozone:       p.Ozone,
			Dust:        p.Dust,
			UVIndex:     uv,
			Temperature: w.Temperature,
			Humidity:    w.Humidity,
			WindSpeed:   w.WindSpeed,
		}
		obs.AQI = Float(CalculateAQI(obs.PM25, obs.PM10))
		out = append(out, obs)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
