package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/i474232898/aqi-forecast/internal/inference"
)

type AppConfig struct {
	Env  string `validate:"oneof=development production"`
	Port string `validate:"required,numeric"`

	// MongoURI selects the MongoDB backend; empty runs on the in-memory store.
	MongoURI           string `validate:"omitempty,uri"`
	FeatureDatabase    string `validate:"required"`
	ModelDatabase      string `validate:"required"`
	PredictionDatabase string `validate:"required"`

	// RedisURL enables prediction fan-out; empty disables it.
	RedisURL       string        `validate:"omitempty,uri"`
	RedisChannel   string        `validate:"required"`
	RedisLatestTTL time.Duration `validate:"gte=0"`

	City           string  `validate:"required"`
	Country        string
	Latitude       float64 `validate:"gte=-90,lte=90"`
	Longitude      float64 `validate:"gte=-180,lte=180"`
	Timezone       string  `validate:"required,timezone"`
	GeocoderAPIKey string

	// Pipeline schedule.
	FeatureInterval   time.Duration `validate:"gt=0"`
	TrainingInterval  time.Duration `validate:"gt=0"`
	InferenceInterval time.Duration `validate:"gt=0"`
	CleanupInterval   time.Duration `validate:"gt=0"`
	BackfillOnStart   bool

	Horizon          int `validate:"gt=0"`
	ContextRows      int `validate:"gt=0"`
	RawLookbackHours int `validate:"gte=24"`
	BackfillMonths   int `validate:"gt=0"`
	RetentionDays    int `validate:"gt=0"`
	RandomSeed       int64

	Diurnal inference.DiurnalConfig `validate:"-"`

	// In-memory store retention.
	StoreMaxRows int           `validate:"gte=0"`
	StoreMaxAge  time.Duration `validate:"gte=0"`

	HTTPTimeout time.Duration `validate:"gt=0"`
}

// Location resolves Timezone. Load has already validated it.
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsProduction reports whether production logging should be used.
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

var validate = validator.New()

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		Env:  getenvDefault("APP_ENV", "development"),
		Port: getenvDefault("PORT", "8080"),

		MongoURI:           os.Getenv("MONGODB_URI"),
		FeatureDatabase:    getenvDefault("FEATURE_DB", "aqi_features"),
		ModelDatabase:      getenvDefault("MODEL_DB", "aqi_models"),
		PredictionDatabase: getenvDefault("PREDICTION_DB", "aqi_predictions"),

		RedisURL:     os.Getenv("REDIS_URL"),
		RedisChannel: getenvDefault("REDIS_CHANNEL", "aqi:predictions"),

		City:           getenvDefault("CITY_NAME", "Karachi"),
		Country:        getenvDefault("COUNTRY_NAME", "Pakistan"),
		Timezone:       getenvDefault("TIMEZONE", "Asia/Karachi"),
		GeocoderAPIKey: os.Getenv("GEOCODER_API_KEY"),

		Horizon:          getenvInt("FORECAST_HORIZON_HOURS", inference.DefaultHorizon),
		ContextRows:      getenvInt("INFERENCE_CONTEXT_ROWS", 48),
		RawLookbackHours: getenvInt("RAW_LOOKBACK_HOURS", 72),
		BackfillMonths:   getenvInt("BACKFILL_MONTHS", 4),
		RetentionDays:    getenvInt("RETENTION_DAYS", 90),
		StoreMaxRows:     getenvInt("STORE_MAX_ROWS", 0),
	}

	var err error
	if cfg.Latitude, err = getenvFloat("LATITUDE", 24.8607); err != nil {
		return nil, err
	}
	if cfg.Longitude, err = getenvFloat("LONGITUDE", 67.0011); err != nil {
		return nil, err
	}
	if cfg.BackfillOnStart, err = getenvBool("BACKFILL_ON_START", false); err != nil {
		return nil, err
	}
	if cfg.RandomSeed, err = getenvInt64("RANDOM_SEED", 0); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"FEATURE_INTERVAL", "1h", &cfg.FeatureInterval},
		{"TRAINING_INTERVAL", "24h", &cfg.TrainingInterval},
		{"INFERENCE_INTERVAL", "1h", &cfg.InferenceInterval},
		{"CLEANUP_INTERVAL", "24h", &cfg.CleanupInterval},
		{"REDIS_LATEST_TTL", "0s", &cfg.RedisLatestTTL},
		{"STORE_MAX_AGE", "2160h", &cfg.StoreMaxAge},
		{"HTTP_TIMEOUT", "30s", &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getenvDefault(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if cfg.Diurnal, err = loadDiurnal(); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Diurnal.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDiurnal() (inference.DiurnalConfig, error) {
	d := inference.DefaultDiurnalConfig()

	ints := []struct {
		key string
		dst *int
	}{
		{"DIURNAL_MORNING_START", &d.MorningStart},
		{"DIURNAL_MORNING_END", &d.MorningEnd},
		{"DIURNAL_EVENING_START", &d.EveningStart},
		{"DIURNAL_EVENING_END", &d.EveningEnd},
	}
	for _, f := range ints {
		*f.dst = getenvInt(f.key, *f.dst)
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"DIURNAL_MORNING_MIN", &d.Morning.Min},
		{"DIURNAL_MORNING_MAX", &d.Morning.Max},
		{"DIURNAL_EVENING_MIN", &d.Evening.Min},
		{"DIURNAL_EVENING_MAX", &d.Evening.Max},
		{"DIURNAL_OTHER_MIN", &d.Otherwise.Min},
		{"DIURNAL_OTHER_MAX", &d.Otherwise.Max},
	}
	for _, f := range floats {
		v, err := getenvFloat(f.key, *f.dst)
		if err != nil {
			return d, err
		}
		*f.dst = v
	}
	return d, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
