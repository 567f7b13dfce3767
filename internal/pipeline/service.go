package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/inference"
	"github.com/i474232898/aqi-forecast/internal/metrics"
	"github.com/i474232898/aqi-forecast/internal/model"
	"github.com/i474232898/aqi-forecast/internal/registry"
)

// Pipeline names accepted by Run.
const (
	Feature   = "feature"
	Backfill  = "backfill"
	Training  = "training"
	Inference = "inference"
	Cleanup   = "cleanup"
)

// ErrBusy is returned by Run when the named pipeline is already running.
var ErrBusy = errors.New("pipeline already running")

// FeatureStore persists raw observations and feature rows.
type FeatureStore interface {
	SaveRaw(ctx context.Context, rows []airquality.Observation) error
	LatestRaw(ctx context.Context, limit int) ([]airquality.Observation, error)
	SaveFeatures(ctx context.Context, rows []airquality.FeatureRow) error
	Features(ctx context.Context, from, to time.Time) ([]airquality.FeatureRow, error)
	LatestFeatures(ctx context.Context, limit int) ([]airquality.FeatureRow, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PredictionSink holds the current prediction batch.
type PredictionSink interface {
	ReplacePredictions(ctx context.Context, batch airquality.PredictionBatch) error
	CurrentPredictions(ctx context.Context) (airquality.PredictionBatch, error)
}

// Fetcher supplies merged hourly observations.
type Fetcher interface {
	FetchLatest(ctx context.Context) ([]airquality.Observation, error)
	FetchHistorical(ctx context.Context, months int) ([]airquality.Observation, error)
}

// Publisher announces a freshly stored prediction batch.
type Publisher interface {
	Publish(ctx context.Context, batch airquality.PredictionBatch) error
}

// Options tunes the pipelines.
type Options struct {
	// RawLookbackHours of raw history are re-read when building features for
	// freshly fetched hours so their lag and rolling columns see real history.
	RawLookbackHours int
	ContextRows      int
	Horizon          int
	BackfillMonths   int
	RetentionDays    int
}

func (o Options) withDefaults() Options {
	if o.RawLookbackHours <= 0 {
		o.RawLookbackHours = 72
	}
	if o.ContextRows <= 0 {
		o.ContextRows = 48
	}
	if o.Horizon <= 0 {
		o.Horizon = inference.DefaultHorizon
	}
	if o.BackfillMonths <= 0 {
		o.BackfillMonths = 4
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 90
	}
	return o
}

// Deps are the collaborators of a Service. Publisher may be nil.
type Deps struct {
	Store       FeatureStore
	Predictions PredictionSink
	Registry    *registry.Registry
	Fetcher     Fetcher
	Constructor *features.Constructor
	Trainer     *model.Trainer
	Engine      *inference.Engine
	Publisher   Publisher
	Location    *time.Location
}

// Service runs the feature, training and inference pipelines.
type Service struct {
	Deps
	opts   Options
	now    func() time.Time
	logger *slog.Logger

	running sync.Map // pipeline name -> *sync.Mutex
}

// NewService wires a Service.
func NewService(deps Deps, opts Options, logger *slog.Logger) *Service {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Deps:   deps,
		opts:   opts.withDefaults(),
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run dispatches by pipeline name. A pipeline never runs twice at once; a
// second caller gets ErrBusy.
func (s *Service) Run(ctx context.Context, name string) error {
	if !Known(name) {
		return fmt.Errorf("%w: unknown pipeline %q", airquality.ErrValidation, name)
	}
	mu, _ := s.running.LoadOrStore(name, &sync.Mutex{})
	if !mu.(*sync.Mutex).TryLock() {
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	defer mu.(*sync.Mutex).Unlock()

	switch name {
	case Feature:
		return s.RunFeature(ctx)
	case Backfill:
		return s.RunBackfill(ctx, s.opts.BackfillMonths)
	case Training:
		_, err := s.RunTraining(ctx)
		return err
	case Inference:
		_, err := s.RunInference(ctx)
		return err
	default:
		_, err := s.Cleanup(ctx)
		return err
	}
}

// Known reports whether name is a pipeline Run accepts.
func Known(name string) bool {
	switch name {
	case Feature, Backfill, Training, Inference, Cleanup:
		return true
	}
	return false
}

// RunFeature fetches today's hours, stores them and rebuilds their feature
// rows on top of the stored raw history.
func (s *Service) RunFeature(ctx context.Context) (err error) {
	defer func(start time.Time) { metrics.ObserveRun(Feature, start, err) }(time.Now())
	log := s.logger.With("pipeline", Feature, "run_id", uuid.NewString())
	log.Info("starting pipeline")

	fresh, err := s.Fetcher.FetchLatest(ctx)
	if err != nil {
		return err
	}
	metrics.ObservationsFetched.Add(float64(len(fresh)))
	if len(fresh) == 0 {
		log.Warn("no new observations fetched")
		return nil
	}
	if err := s.Store.SaveRaw(ctx, fresh); err != nil {
		return err
	}

	window, err := s.Store.LatestRaw(ctx, s.opts.RawLookbackHours+len(fresh))
	if err != nil {
		return err
	}
	rows, err := s.Constructor.Construct(window)
	if err != nil {
		return err
	}

	earliest := fresh[0].Timestamp
	for _, o := range fresh {
		if o.Timestamp.Before(earliest) {
			earliest = o.Timestamp
		}
	}
	var updated []airquality.FeatureRow
	for _, r := range rows {
		if !r.Timestamp.Before(earliest) {
			updated = append(updated, r)
		}
	}

	if err := s.Store.SaveFeatures(ctx, updated); err != nil {
		return err
	}
	metrics.FeatureRowsBuilt.Add(float64(len(updated)))
	log.Info("pipeline completed", "observations", len(fresh), "feature_rows", len(updated))
	return nil
}

// RunBackfill loads months of archive data and rebuilds features over all of it.
func (s *Service) RunBackfill(ctx context.Context, months int) (err error) {
	defer func(start time.Time) { metrics.ObserveRun(Backfill, start, err) }(time.Now())
	log := s.logger.With("pipeline", Backfill, "run_id", uuid.NewString())
	log.Info("starting pipeline", "months", months)

	history, err := s.Fetcher.FetchHistorical(ctx, months)
	if err != nil {
		return err
	}
	metrics.ObservationsFetched.Add(float64(len(history)))
	if len(history) == 0 {
		log.Warn("no historical observations fetched")
		return nil
	}
	if err := s.Store.SaveRaw(ctx, history); err != nil {
		return err
	}

	rows, err := s.Constructor.Construct(history)
	if err != nil {
		return err
	}
	if err := s.Store.SaveFeatures(ctx, rows); err != nil {
		return err
	}
	metrics.FeatureRowsBuilt.Add(float64(len(rows)))
	log.Info("pipeline completed", "observations", len(history), "feature_rows", len(rows))
	return nil
}

// TrainingReport summarises one training run.
type TrainingReport struct {
	Versions map[string]int     `json:"versions"`
	Scores   map[string]float64 `json:"rmse"`
	Best     string             `json:"best"`
}

// RunTraining fits every model on the whole feature history and saves each
// one to the registry, flagging the lowest-rmse model as best.
func (s *Service) RunTraining(ctx context.Context) (report TrainingReport, err error) {
	defer func(start time.Time) { metrics.ObserveRun(Training, start, err) }(time.Now())
	log := s.logger.With("pipeline", Training, "run_id", uuid.NewString())
	log.Info("starting pipeline")

	rows, err := s.Store.Features(ctx, time.Time{}, time.Time{})
	if err != nil {
		return report, err
	}
	log.Info("loaded feature rows", "rows", len(rows))

	columns := airquality.FeatureColumns()
	results, err := s.Trainer.Train(rows, columns)
	if err != nil {
		return report, err
	}
	best := model.Best(results)

	report = TrainingReport{
		Versions: make(map[string]int, len(results)),
		Scores:   make(map[string]float64, len(results)),
		Best:     results[best].Model.Kind(),
	}
	for i, r := range results {
		payload, err := model.Encode(r.Model)
		if err != nil {
			return report, err
		}
		name := r.Model.Kind()
		version, err := s.Registry.Save(ctx, payload, name, r.Scores, registry.Metadata{
			TrainingSamples: r.TrainN,
			TestSamples:     r.TestN,
			Features:        r.Columns,
			IsBest:          i == best,
		})
		if err != nil {
			return report, err
		}
		metrics.ModelsSaved.WithLabelValues(name).Inc()
		report.Versions[name] = version
		report.Scores[name] = r.Scores[registry.MetricRMSE]
		log.Info("saved model", "model", name, "version", version, "rmse", r.Scores[registry.MetricRMSE])
	}

	log.Info("pipeline completed", "best_model", report.Best)
	return report, nil
}

// RunInference forecasts the next Horizon hours from the next local midnight
// with the best model and replaces the stored prediction batch.
func (s *Service) RunInference(ctx context.Context) (batch airquality.PredictionBatch, err error) {
	defer func(start time.Time) { metrics.ObserveRun(Inference, start, err) }(time.Now())
	log := s.logger.With("pipeline", Inference, "run_id", uuid.NewString())
	log.Info("starting pipeline")

	artifact, err := s.Registry.GetBest(ctx, registry.MetricRMSE)
	if err != nil {
		return batch, err
	}
	m, err := model.Decode(artifact.Payload)
	if err != nil {
		return batch, fmt.Errorf("%w: %s v%d: %v", airquality.ErrInference, artifact.ModelName, artifact.Version, err)
	}
	columns := artifact.Metadata.Features
	if len(columns) == 0 {
		columns = airquality.FeatureColumns()
	}

	history, err := s.Store.LatestFeatures(ctx, s.opts.ContextRows)
	if err != nil {
		return batch, err
	}
	log.Info("loaded context", "model", artifact.ModelName, "version", artifact.Version, "rows", len(history))

	preds, err := s.Engine.Forecast(inference.Request{
		Model:          m,
		ModelName:      artifact.ModelName,
		FeatureColumns: columns,
		Context:        history,
		Horizon:        s.opts.Horizon,
		Start:          NextMidnight(s.now(), s.Location),
	})
	if err != nil {
		return batch, err
	}

	batch = airquality.PredictionBatch{
		ID:        uuid.NewString(),
		ModelName: artifact.ModelName,
		CreatedAt: preds[0].CreatedAt,
	}
	for _, p := range preds {
		p.BatchID = batch.ID
		batch.Predictions = append(batch.Predictions, p)
	}

	if err := s.Predictions.ReplacePredictions(ctx, batch); err != nil {
		return airquality.PredictionBatch{}, err
	}
	metrics.PredictionsGenerated.Add(float64(len(preds)))

	if s.Publisher != nil {
		if err := s.Publisher.Publish(ctx, batch); err != nil {
			log.Warn("failed to publish prediction batch", "batch_id", batch.ID, "error", err)
		} else {
			metrics.PredictionsPublished.Inc()
		}
	}

	lo, hi, mean := summarize(preds)
	log.Info("pipeline completed",
		"batch_id", batch.ID,
		"predictions", len(preds),
		"from", preds[0].Timestamp,
		"to", preds[len(preds)-1].Timestamp,
		"aqi_min", lo, "aqi_max", hi, "aqi_mean", mean,
	)
	return batch, nil
}

// Cleanup deletes raw and feature rows older than the retention period.
func (s *Service) Cleanup(ctx context.Context) (deleted int, err error) {
	defer func(start time.Time) { metrics.ObserveRun(Cleanup, start, err) }(time.Now())

	cutoff := s.now().UTC().AddDate(0, 0, -s.opts.RetentionDays)
	deleted, err = s.Store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return deleted, err
	}
	s.logger.Info("deleted old rows", "pipeline", Cleanup, "cutoff", cutoff, "deleted", deleted)
	return deleted, nil
}

// CurrentPredictions returns the stored batch.
func (s *Service) CurrentPredictions(ctx context.Context) (airquality.PredictionBatch, error) {
	return s.Predictions.CurrentPredictions(ctx)
}

// FeaturesBetween returns stored feature rows in [from, to].
func (s *Service) FeaturesBetween(ctx context.Context, from, to time.Time) ([]airquality.FeatureRow, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: to is before from", airquality.ErrValidation)
	}
	return s.Store.Features(ctx, from, to)
}

// NextMidnight returns the first local midnight strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

func summarize(preds []airquality.Prediction) (lo, hi, mean float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range preds {
		lo = math.Min(lo, p.PredictedAQI)
		hi = math.Max(hi, p.PredictedAQI)
		mean += p.PredictedAQI
	}
	return lo, hi, mean / float64(len(preds))
}
