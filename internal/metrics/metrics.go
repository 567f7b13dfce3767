package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline outcome labels.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_pipeline_runs_total",
		Help: "Pipeline runs by pipeline and outcome.",
	}, []string{"pipeline", "status"})

	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aqi_pipeline_duration_seconds",
		Help:    "Wall time of a pipeline run.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"pipeline"})

	ObservationsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_observations_fetched_total",
		Help: "Merged hourly observations received from Open-Meteo.",
	})

	FeatureRowsBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_feature_rows_built_total",
		Help: "Feature rows produced by the constructor.",
	})

	ModelsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_models_saved_total",
		Help: "Model versions written to the registry.",
	}, []string{"model"})

	PredictionsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_predictions_generated_total",
		Help: "Hourly predictions produced by the inference engine.",
	})

	PredictionsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_prediction_batches_published_total",
		Help: "Prediction batches published to Redis.",
	})
)

// ObserveRun records one pipeline run started at start.
func ObserveRun(pipeline string, start time.Time, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	PipelineRuns.WithLabelValues(pipeline, status).Inc()
	PipelineDuration.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
}
