package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

// ErrVersionConflict is returned by a Store when (model_name, version) is
// already taken. Save retries with a fresh version.
var ErrVersionConflict = errors.New("model version already exists")

// maxVersionClaims bounds Save's retries under concurrent writers.
const maxVersionClaims = 5

// Metric names recorded by the trainer.
const (
	MetricRMSE = "rmse"
	MetricMAE  = "mae"
	MetricR2   = "r2"
)

// lowerIsBetter lists the metrics GetBest can rank by.
var lowerIsBetter = map[string]bool{
	MetricRMSE: true,
	MetricMAE:  true,
	"mse":      true,
	"mape":     true,
}

// Metadata describes how an artifact was trained.
type Metadata struct {
	TrainingSamples int               `json:"training_samples" bson:"training_samples"`
	TestSamples     int               `json:"test_samples" bson:"test_samples"`
	Features        []string          `json:"features" bson:"features"`
	IsBest          bool              `json:"is_best" bson:"is_best"`
	Extra           map[string]string `json:"extra,omitempty" bson:"extra,omitempty"`
}

// Artifact is a serialized trained regressor.
type Artifact struct {
	ID        string    `json:"id" bson:"-"`
	ModelName string    `json:"model_name" bson:"model_name"`
	Version   int       `json:"version" bson:"version"`
	Payload   []byte    `json:"-" bson:"model_binary"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	City      string    `json:"city,omitempty" bson:"city,omitempty"`
	Metadata  Metadata  `json:"metadata" bson:"metadata"`
}

// Metrics is the evaluation record linked 1:1 to an Artifact.
type Metrics struct {
	ModelName string             `json:"model_name" bson:"model_name"`
	Version   int                `json:"version" bson:"version"`
	ModelID   string             `json:"model_id" bson:"model_id"`
	Scores    map[string]float64 `json:"metrics" bson:"metrics"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
}

// Score returns the named metric, or +Inf when it was not recorded.
func (m Metrics) Score(name string) float64 {
	if v, ok := m.Scores[name]; ok {
		return v
	}
	return math.Inf(1)
}

// Summary is one line of List.
type Summary struct {
	ModelName     string    `json:"model_name"`
	LatestVersion int       `json:"latest_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is the persistence contract the registry needs.
type Store interface {
	// LatestVersion returns the highest version stored for name, 0 if none.
	LatestVersion(ctx context.Context, name string) (int, error)
	// InsertArtifact stores a new artifact and returns its id. It returns
	// ErrVersionConflict if (model_name, version) already exists.
	InsertArtifact(ctx context.Context, a Artifact) (string, error)
	DeleteArtifact(ctx context.Context, id string) error
	InsertMetrics(ctx context.Context, m Metrics) error
	// FindArtifact returns the given version, or the highest when version is 0.
	// It returns airquality.ErrNotFound when nothing matches.
	FindArtifact(ctx context.Context, name string, version int) (Artifact, error)
	// ListMetrics returns every metrics record, optionally for a single name.
	ListMetrics(ctx context.Context, name string) ([]Metrics, error)
	// ListArtifacts returns every artifact without its payload.
	ListArtifacts(ctx context.Context) ([]Artifact, error)
}

// Registry versions trained models and selects the best one for inference.
type Registry struct {
	store  Store
	city   string
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Registry over store.
func New(store Store, city string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		city:   city,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock overrides the registry's time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Save stores payload as the next version of name together with its metrics
// and returns that version. If the metrics write fails the artifact is rolled
// back and ErrInconsistentState is returned.
func (r *Registry) Save(ctx context.Context, payload []byte, name string, scores map[string]float64, meta Metadata) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: model name is required", airquality.ErrValidation)
	}
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty model payload for %s", airquality.ErrValidation, name)
	}

	createdAt := r.now()

	var (
		version int
		id      string
	)
	for attempt := 0; ; attempt++ {
		latest, err := r.store.LatestVersion(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("read latest version of %s: %w", name, err)
		}
		version = latest + 1

		id, err = r.store.InsertArtifact(ctx, Artifact{
			ModelName: name,
			Version:   version,
			Payload:   payload,
			CreatedAt: createdAt,
			City:      r.city,
			Metadata:  meta,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrVersionConflict) || attempt+1 >= maxVersionClaims {
			return 0, fmt.Errorf("save %s v%d: %w", name, version, err)
		}
		r.logger.Warn("model version taken by a concurrent save, retrying",
			"model", name, "version", version)
	}
	r.logger.Info("saved model artifact", "model", name, "version", version)

	err := r.store.InsertMetrics(ctx, Metrics{
		ModelName: name,
		Version:   version,
		ModelID:   id,
		Scores:    scores,
		CreatedAt: createdAt,
	})
	if err != nil {
		if delErr := r.store.DeleteArtifact(ctx, id); delErr != nil {
			return 0, fmt.Errorf("%w: %s v%d stored without metrics (%v); rollback failed: %v",
				airquality.ErrInconsistentState, name, version, err, delErr)
		}
		return 0, fmt.Errorf("%w: metrics for %s v%d not stored, artifact rolled back: %v",
			airquality.ErrInconsistentState, name, version, err)
	}
	r.logger.Info("saved model metrics", "model", name, "version", version)

	return version, nil
}

// Load returns the artifact for name at version, or the highest version when
// version is 0.
func (r *Registry) Load(ctx context.Context, name string, version int) (Artifact, error) {
	a, err := r.store.FindArtifact(ctx, name, version)
	if err != nil {
		if errors.Is(err, airquality.ErrNotFound) {
			return Artifact{}, fmt.Errorf("model %s v%d: %w", name, version, err)
		}
		return Artifact{}, err
	}
	r.logger.Info("loaded model artifact", "model", a.ModelName, "version", a.Version)
	return a, nil
}

// GetBest picks, among the most recently evaluated version of every model,
// the one with the lowest value of metric. Only error metrics (lower is
// better) are accepted.
func (r *Registry) GetBest(ctx context.Context, metric string) (Artifact, error) {
	if !lowerIsBetter[metric] {
		return Artifact{}, fmt.Errorf("%w: metric %q is not a lower-is-better metric", airquality.ErrValidation, metric)
	}

	all, err := r.store.ListMetrics(ctx, "")
	if err != nil {
		return Artifact{}, fmt.Errorf("list model metrics: %w", err)
	}

	best, ok := SelectBest(all, metric)
	if !ok {
		return Artifact{}, fmt.Errorf("no model reports %s: %w", metric, airquality.ErrNotFound)
	}

	r.logger.Info("selected best model",
		"model", best.ModelName, "version", best.Version, "metric", metric, "value", best.Score(metric))
	return r.Load(ctx, best.ModelName, best.Version)
}

// SelectBest is the two-pass reduction behind GetBest: keep the most
// recently created record per model name, then take the minimum of metric.
// Ties on creation time prefer the higher version; ties on the metric prefer
// the lexically smaller name.
func SelectBest(all []Metrics, metric string) (Metrics, bool) {
	latest := make(map[string]Metrics)
	for _, m := range all {
		cur, ok := latest[m.ModelName]
		if !ok || m.CreatedAt.After(cur.CreatedAt) ||
			(m.CreatedAt.Equal(cur.CreatedAt) && m.Version > cur.Version) {
			latest[m.ModelName] = m
		}
	}

	var (
		best  Metrics
		found bool
	)
	for _, m := range latest {
		v := m.Score(metric)
		if math.IsInf(v, 1) || math.IsNaN(v) {
			continue
		}
		if !found || v < best.Score(metric) ||
			(v == best.Score(metric) && m.ModelName < best.ModelName) {
			best, found = m, true
		}
	}
	return best, found
}

// List returns one summary per model name, most recently created first.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	artifacts, err := r.store.ListArtifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list model artifacts: %w", err)
	}

	byName := make(map[string]*Summary)
	for _, a := range artifacts {
		s, ok := byName[a.ModelName]
		if !ok {
			s = &Summary{ModelName: a.ModelName}
			byName[a.ModelName] = s
		}
		if a.Version > s.LatestVersion {
			s.LatestVersion = a.Version
		}
		if a.CreatedAt.After(s.CreatedAt) {
			s.CreatedAt = a.CreatedAt
		}
	}

	out := make([]Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ModelName < out[j].ModelName
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// History returns every metrics record for name, newest first.
func (r *Registry) History(ctx context.Context, name string) ([]Metrics, error) {
	ms, err := r.store.ListMetrics(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list metrics for %s: %w", name, err)
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("metrics for %s: %w", name, airquality.ErrNotFound)
	}
	sort.Slice(ms, func(i, j int) bool {
		return ms[i].CreatedAt.After(ms[j].CreatedAt)
	})
	return ms, nil
}
