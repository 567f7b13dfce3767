package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/registry"
)

// MemoryStore is a concurrency-safe in-memory implementation of the feature
// store, the model registry store and the prediction sink.
type MemoryStore struct {
	mu sync.RWMutex

	// keyed by unix timestamp; one row per hour
	raw      map[int64]airquality.Observation
	features map[int64]airquality.FeatureRow

	artifacts []registry.Artifact
	metrics   []registry.Metrics

	predictions airquality.PredictionBatch

	// retention configuration
	maxRows int           // max rows kept per series (0 = unlimited)
	maxAge  time.Duration // max age of rows (0 = unlimited)
	now     func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxRows is <= 0, it is treated as unlimited.
func NewMemoryStore(maxRows int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		raw:      make(map[int64]airquality.Observation),
		features: make(map[int64]airquality.FeatureRow),
		maxRows:  maxRows,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// SaveRaw upserts observations by timestamp and enforces retention.
func (s *MemoryStore) SaveRaw(_ context.Context, rows []airquality.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range rows {
		o.Timestamp = o.Timestamp.UTC()
		s.raw[o.Timestamp.Unix()] = o
	}
	enforceRetention(s.raw, s.maxRows, s.maxAge, s.now())
	return nil
}

// LatestRaw returns up to limit most recent observations, oldest first.
func (s *MemoryStore) LatestRaw(_ context.Context, limit int) ([]airquality.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := tail(sortedKeys(s.raw), limit)
	out := make([]airquality.Observation, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.raw[k])
	}
	return out, nil
}

// SaveFeatures replaces any stored row with the same timestamp.
func (s *MemoryStore) SaveFeatures(_ context.Context, rows []airquality.FeatureRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		r = r.Clone()
		r.Timestamp = r.Timestamp.UTC()
		s.features[r.Timestamp.Unix()] = r
	}
	enforceRetention(s.features, s.maxRows, s.maxAge, s.now())
	return nil
}

// Features returns rows between from and to (inclusive), oldest first. A zero
// bound is open.
func (s *MemoryStore) Features(_ context.Context, from, to time.Time) ([]airquality.FeatureRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []airquality.FeatureRow
	for _, k := range sortedKeys(s.features) {
		r := s.features[k]
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		result = append(result, r.Clone())
	}
	return result, nil
}

// LatestFeatures returns up to limit most recent rows, oldest first.
func (s *MemoryStore) LatestFeatures(_ context.Context, limit int) ([]airquality.FeatureRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := tail(sortedKeys(s.features), limit)
	out := make([]airquality.FeatureRow, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.features[k].Clone())
	}
	return out, nil
}

// DeleteBefore drops raw and feature rows older than cutoff.
func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, o := range s.raw {
		if o.Timestamp.Before(cutoff) {
			delete(s.raw, k)
			deleted++
		}
	}
	for k, r := range s.features {
		if r.Timestamp.Before(cutoff) {
			delete(s.features, k)
			deleted++
		}
	}
	return deleted, nil
}

// LatestVersion implements registry.Store.
func (s *MemoryStore) LatestVersion(_ context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for _, a := range s.artifacts {
		if a.ModelName == name && a.Version > latest {
			latest = a.Version
		}
	}
	return latest, nil
}

// InsertArtifact implements registry.Store.
func (s *MemoryStore) InsertArtifact(_ context.Context, a registry.Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.artifacts {
		if existing.ModelName == a.ModelName && existing.Version == a.Version {
			return "", registry.ErrVersionConflict
		}
	}
	a.ID = uuid.NewString()
	a.Payload = append([]byte(nil), a.Payload...)
	s.artifacts = append(s.artifacts, a)
	return a.ID, nil
}

// DeleteArtifact implements registry.Store.
func (s *MemoryStore) DeleteArtifact(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, a := range s.artifacts {
		if a.ID == id {
			s.artifacts = append(s.artifacts[:i], s.artifacts[i+1:]...)
			return nil
		}
	}
	return airquality.ErrNotFound
}

// InsertMetrics implements registry.Store.
func (s *MemoryStore) InsertMetrics(_ context.Context, m registry.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scores := make(map[string]float64, len(m.Scores))
	for k, v := range m.Scores {
		scores[k] = v
	}
	m.Scores = scores
	s.metrics = append(s.metrics, m)
	return nil
}

// FindArtifact implements registry.Store.
func (s *MemoryStore) FindArtifact(_ context.Context, name string, version int) (registry.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found registry.Artifact
		ok    bool
	)
	for _, a := range s.artifacts {
		if a.ModelName != name {
			continue
		}
		if version > 0 && a.Version != version {
			continue
		}
		if !ok || a.Version > found.Version {
			found, ok = a, true
		}
	}
	if !ok {
		return registry.Artifact{}, airquality.ErrNotFound
	}
	return found, nil
}

// ListMetrics implements registry.Store.
func (s *MemoryStore) ListMetrics(_ context.Context, name string) ([]registry.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []registry.Metrics
	for _, m := range s.metrics {
		if name == "" || m.ModelName == name {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListArtifacts implements registry.Store.
func (s *MemoryStore) ListArtifacts(_ context.Context) ([]registry.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]registry.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		a.Payload = nil
		out = append(out, a)
	}
	return out, nil
}

// ReplacePredictions swaps in a complete batch. Readers see either the old or
// the new batch, never a mix.
func (s *MemoryStore) ReplacePredictions(_ context.Context, batch airquality.PredictionBatch) error {
	preds := make([]airquality.Prediction, len(batch.Predictions))
	copy(preds, batch.Predictions)
	batch.Predictions = preds

	s.mu.Lock()
	s.predictions = batch
	s.mu.Unlock()
	return nil
}

// CurrentPredictions returns the batch written by the last inference run.
func (s *MemoryStore) CurrentPredictions(_ context.Context) (airquality.PredictionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.predictions.ID == "" {
		return airquality.PredictionBatch{}, airquality.ErrNotFound
	}
	out := s.predictions
	out.Predictions = append([]airquality.Prediction(nil), s.predictions.Predictions...)
	return out, nil
}

type timestamped interface {
	airquality.Observation | airquality.FeatureRow
}

func timestampOf[T timestamped](v T) time.Time {
	switch x := any(v).(type) {
	case airquality.Observation:
		return x.Timestamp
	case airquality.FeatureRow:
		return x.Timestamp
	}
	return time.Time{}
}

func sortedKeys[T any](m map[int64]T) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func tail(keys []int64, limit int) []int64 {
	if limit > 0 && len(keys) > limit {
		return keys[len(keys)-limit:]
	}
	return keys
}

// enforceRetention trims by count, keeping the newest rows, then by age.
func enforceRetention[T timestamped](m map[int64]T, maxRows int, maxAge time.Duration, now time.Time) {
	if maxRows > 0 && len(m) > maxRows {
		keys := sortedKeys(m)
		for _, k := range keys[:len(keys)-maxRows] {
			delete(m, k)
		}
	}

	if maxAge > 0 {
		cutoff := now.Add(-maxAge)
		for k, v := range m {
			if timestampOf(v).Before(cutoff) {
				delete(m, k)
			}
		}
	}
}
