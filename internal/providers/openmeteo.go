package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

// Default Open-Meteo endpoints.
const (
	AirQualityURL = "https://air-quality-api.open-meteo.com/v1/air-quality"
	ForecastURL   = "https://api.open-meteo.com/v1/forecast"
	ArchiveURL    = "https://archive-api.open-meteo.com/v1/archive"

	// archiveLag is how far behind today the weather archive is complete.
	archiveLag = 14 * 24 * time.Hour

	hourLayout = "2006-01-02T15:04"
	dateLayout = "2006-01-02"
)

var (
	pollutantParams = []string{
		"pm10", "pm2_5", "carbon_monoxide", "nitrogen_dioxide",
		"sulphur_dioxide", "ozone", "dust", "uv_index",
	}
	weatherParams = []string{"temperature_2m", "relative_humidity_2m", "wind_speed_10m"}
)

// OpenMeteoConfig locates the city and the upstream endpoints.
type OpenMeteoConfig struct {
	Latitude  float64
	Longitude float64
	Location  *time.Location

	AirQualityURL string
	ForecastURL   string
	ArchiveURL    string

	Client  *http.Client
	Backoff Backoff
}

// OpenMeteo fetches hourly pollutant and weather series and merges them into
// observations.
type OpenMeteo struct {
	cfg    OpenMeteoConfig
	http   *jsonGetter
	now    func() time.Time
	logger *slog.Logger
}

// NewOpenMeteo creates a client. Empty URLs fall back to the public API.
func NewOpenMeteo(cfg OpenMeteoConfig, logger *slog.Logger) *OpenMeteo {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.AirQualityURL == "" {
		cfg.AirQualityURL = AirQualityURL
	}
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = ForecastURL
	}
	if cfg.ArchiveURL == "" {
		cfg.ArchiveURL = ArchiveURL
	}
	return &OpenMeteo{
		cfg:    cfg,
		http:   newJSONGetter("openmeteo", cfg.Client, cfg.Backoff, logger),
		now:    time.Now,
		logger: logger,
	}
}

// FetchLatest returns today's hours (local calendar day) seen by both sources.
func (o *OpenMeteo) FetchLatest(ctx context.Context) ([]airquality.Observation, error) {
	today := o.now().In(o.cfg.Location)
	return o.fetch(ctx, today, today, o.cfg.ForecastURL)
}

// FetchHistorical returns months*30 days of hours ending 14 days ago, the
// point up to which the weather archive is complete.
func (o *OpenMeteo) FetchHistorical(ctx context.Context, months int) ([]airquality.Observation, error) {
	if months <= 0 {
		return nil, fmt.Errorf("%w: months must be positive, got %d", airquality.ErrValidation, months)
	}
	end := o.now().In(o.cfg.Location).Add(-archiveLag)
	start := end.AddDate(0, 0, -30*months)
	return o.fetch(ctx, start, end, o.cfg.ArchiveURL)
}

func (o *OpenMeteo) fetch(ctx context.Context, start, end time.Time, weatherURL string) ([]airquality.Observation, error) {
	o.logger.Info("fetching open-meteo data",
		"start_date", start.Format(dateLayout), "end_date", end.Format(dateLayout))

	var aq hourlyResponse
	if err := o.http.get(ctx, o.url(o.cfg.AirQualityURL, start, end, pollutantParams), &aq); err != nil {
		return nil, fmt.Errorf("fetch air quality: %w", err)
	}
	var wx hourlyResponse
	if err := o.http.get(ctx, o.url(weatherURL, start, end, weatherParams), &wx); err != nil {
		return nil, fmt.Errorf("fetch weather: %w", err)
	}

	pollutants, err := aq.pollutants(o.cfg.Location)
	if err != nil {
		return nil, err
	}
	weather, err := wx.weather(o.cfg.Location)
	if err != nil {
		return nil, err
	}

	merged := airquality.MergeReadings(pollutants, weather)
	o.logger.Info("fetched open-meteo data",
		"pollutant_hours", len(pollutants), "weather_hours", len(weather), "merged", len(merged))
	return merged, nil
}

func (o *OpenMeteo) url(base string, start, end time.Time, hourly []string) string {
	v := url.Values{}
	v.Set("latitude", strconv.FormatFloat(o.cfg.Latitude, 'f', -1, 64))
	v.Set("longitude", strconv.FormatFloat(o.cfg.Longitude, 'f', -1, 64))
	v.Set("start_date", start.Format(dateLayout))
	v.Set("end_date", end.Format(dateLayout))
	v.Set("hourly", strings.Join(hourly, ","))
	v.Set("timezone", o.cfg.Location.String())
	return base + "?" + v.Encode()
}

// hourlyResponse is the shared shape of Open-Meteo hourly payloads. Missing
// hours come back as JSON null.
type hourlyResponse struct {
	Times  []string
	Series map[string][]*float64
}

func (h *hourlyResponse) UnmarshalJSON(data []byte) error {
	var payload struct {
		Hourly map[string]json.RawMessage `json:"hourly"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	h.Series = make(map[string][]*float64, len(payload.Hourly))
	for key, raw := range payload.Hourly {
		if key == "time" {
			if err := json.Unmarshal(raw, &h.Times); err != nil {
				return fmt.Errorf("decode hourly time: %w", err)
			}
			continue
		}
		var values []*float64
		if err := json.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("decode hourly %s: %w", key, err)
		}
		h.Series[key] = values
	}
	return nil
}

func (h *hourlyResponse) timestamps(loc *time.Location) ([]time.Time, error) {
	out := make([]time.Time, len(h.Times))
	for i, s := range h.Times {
		ts, err := time.ParseInLocation(hourLayout, s, loc)
		if err != nil {
			return nil, fmt.Errorf("parse open-meteo time %q: %w", s, err)
		}
		out[i] = ts.UTC()
	}
	return out, nil
}

func (h *hourlyResponse) at(key string, i int) *float64 {
	s := h.Series[key]
	if i < len(s) {
		return s[i]
	}
	return nil
}

func (h *hourlyResponse) pollutants(loc *time.Location) ([]airquality.PollutantReading, error) {
	times, err := h.timestamps(loc)
	if err != nil {
		return nil, err
	}
	out := make([]airquality.PollutantReading, len(times))
	for i, ts := range times {
		out[i] = airquality.PollutantReading{
			Timestamp: ts,
			PM10:      h.at("pm10", i),
			PM25:      h.at("pm2_5", i),
			CO:        h.at("carbon_monoxide", i),
			NO2:       h.at("nitrogen_dioxide", i),
			SO2:       h.at("sulphur_dioxide", i),
			Ozone:     h.at("ozone", i),
			Dust:      h.at("dust", i),
			UVIndex:   h.at("uv_index", i),
		}
	}
	return out, nil
}

func (h *hourlyResponse) weather(loc *time.Location) ([]airquality.WeatherReading, error) {
	times, err := h.timestamps(loc)
	if err != nil {
		return nil, err
	}
	out := make([]airquality.WeatherReading, len(times))
	for i, ts := range times {
		out[i] = airquality.WeatherReading{
			Timestamp:   ts,
			Temperature: h.at("temperature_2m", i),
			Humidity:    h.at("relative_humidity_2m", i),
			WindSpeed:   h.at("wind_speed_10m", i),
			UVIndex:     h.at("uv_index", i),
		}
	}
	return out, nil
}
