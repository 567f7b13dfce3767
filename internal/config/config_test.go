package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/aqi-forecast/internal/inference"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "Karachi", cfg.City)
	assert.Equal(t, "Asia/Karachi", cfg.Timezone)
	assert.Equal(t, inference.DefaultHorizon, cfg.Horizon)
	assert.Equal(t, 48, cfg.ContextRows)
	assert.Equal(t, time.Hour, cfg.InferenceInterval)
	assert.Equal(t, inference.DefaultDiurnalConfig(), cfg.Diurnal)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "Asia/Karachi", cfg.Location().String())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CITY_NAME", "Lahore")
	t.Setenv("LATITUDE", "31.5204")
	t.Setenv("FORECAST_HORIZON_HOURS", "24")
	t.Setenv("TRAINING_INTERVAL", "6h")
	t.Setenv("DIURNAL_MORNING_MAX", "12.5")
	t.Setenv("APP_ENV", "production")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "Lahore", cfg.City)
	assert.Equal(t, 31.5204, cfg.Latitude)
	assert.Equal(t, 24, cfg.Horizon)
	assert.Equal(t, 6*time.Hour, cfg.TrainingInterval)
	assert.Equal(t, 12.5, cfg.Diurnal.Morning.Max)
	assert.True(t, cfg.IsProduction())
}

func TestFromEnvRejectsInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TIMEZONE", "Mars/Olympus"},
		{"LATITUDE", "95"},
		{"LATITUDE", "north"},
		{"FEATURE_INTERVAL", "soon"},
		{"FEATURE_INTERVAL", "0s"},
		{"APP_ENV", "staging"},
		{"RAW_LOOKBACK_HOURS", "3"},
		{"DIURNAL_EVENING_MIN", "20"},
		{"DIURNAL_MORNING_END", "30"},
		{"MONGODB_URI", "not a uri"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
