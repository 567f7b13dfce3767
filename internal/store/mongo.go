package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/registry"
)

// Collection names.
const (
	RawCollection          = "raw_data"
	FeatureCollection      = "processed_features"
	ModelCollection        = "models"
	MetricsCollection      = "model_metrics"
	PredictionCollection   = "predictions"
	PredictionBatchPointer = "prediction_batches"

	currentBatchID = "current"
)

// MongoConfig selects the server and the three databases.
type MongoConfig struct {
	URI                string
	FeatureDatabase    string
	ModelDatabase      string
	PredictionDatabase string
	City               string
	ConnectTimeout     time.Duration
}

// MongoStore is the MongoDB implementation of the feature store, the model
// registry store and the prediction sink.
type MongoStore struct {
	client *mongo.Client
	city   string
	logger *slog.Logger

	raw         *mongo.Collection
	features    *mongo.Collection
	models      *mongo.Collection
	metrics     *mongo.Collection
	predictions *mongo.Collection
	pointer     *mongo.Collection
}

// ConnectMongo dials the server, pings it and creates the indexes. It fails
// fast: a returned store is ready to use.
func ConnectMongo(ctx context.Context, cfg MongoConfig, logger *slog.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongodb uri is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	featureDB := client.Database(cfg.FeatureDatabase)
	modelDB := client.Database(cfg.ModelDatabase)
	predictionDB := client.Database(cfg.PredictionDatabase)

	s := &MongoStore{
		client:      client,
		city:        cfg.City,
		logger:      logger,
		raw:         featureDB.Collection(RawCollection),
		features:    featureDB.Collection(FeatureCollection),
		models:      modelDB.Collection(ModelCollection),
		metrics:     modelDB.Collection(MetricsCollection),
		predictions: predictionDB.Collection(PredictionCollection),
		pointer:     predictionDB.Collection(PredictionBatchPointer),
	}

	if err := s.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("connected to mongodb",
		"feature_db", cfg.FeatureDatabase,
		"model_db", cfg.ModelDatabase,
		"prediction_db", cfg.PredictionDatabase,
	)
	return s, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.raw, mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}, Options: unique}},
		{s.features, mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}, Options: unique}},
		{s.models, mongo.IndexModel{Keys: bson.D{{Key: "model_name", Value: 1}, {Key: "version", Value: -1}}, Options: unique}},
		{s.metrics, mongo.IndexModel{Keys: bson.D{{Key: "model_name", Value: 1}, {Key: "created_at", Value: -1}}}},
		{s.predictions, mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}}},
		{s.predictions, mongo.IndexModel{Keys: bson.D{{Key: "batch_id", Value: 1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type rawDoc struct {
	airquality.Observation `bson:",inline"`
	City                   string    `bson:"city"`
	CreatedAt              time.Time `bson:"created_at"`
}

type featureDoc struct {
	Timestamp time.Time          `bson:"timestamp"`
	City      string             `bson:"city"`
	CreatedAt time.Time          `bson:"created_at"`
	Values    map[string]float64 `bson:"features"`
}

// SaveRaw upserts one document per observation, keyed by timestamp.
func (s *MongoStore) SaveRaw(ctx context.Context, rows []airquality.Observation) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	writes := make([]mongo.WriteModel, 0, len(rows))
	for _, o := range rows {
		o.Timestamp = o.Timestamp.UTC()
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"timestamp": o.Timestamp}).
			SetReplacement(rawDoc{Observation: o, City: s.city, CreatedAt: now}).
			SetUpsert(true))
	}
	res, err := s.raw.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("save raw observations: %w", err)
	}
	s.logger.Info("saved raw observations", "upserted", res.UpsertedCount, "replaced", res.ModifiedCount)
	return nil
}

// LatestRaw returns up to limit most recent observations, oldest first.
func (s *MongoStore) LatestRaw(ctx context.Context, limit int) ([]airquality.Observation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.raw.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find raw observations: %w", err)
	}
	var docs []rawDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode raw observations: %w", err)
	}

	out := make([]airquality.Observation, len(docs))
	for i, d := range docs {
		d.Observation.Timestamp = d.Observation.Timestamp.UTC()
		out[len(docs)-1-i] = d.Observation
	}
	return out, nil
}

// SaveFeatures supersedes stored rows with the same timestamp.
func (s *MongoStore) SaveFeatures(ctx context.Context, rows []airquality.FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	writes := make([]mongo.WriteModel, 0, len(rows))
	for _, r := range rows {
		ts := r.Timestamp.UTC()
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"timestamp": ts}).
			SetReplacement(featureDoc{Timestamp: ts, City: r.City, CreatedAt: now, Values: r.Values}).
			SetUpsert(true))
	}
	res, err := s.features.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("save feature rows: %w", err)
	}
	s.logger.Info("saved feature rows", "upserted", res.UpsertedCount, "replaced", res.ModifiedCount)
	return nil
}

// Features returns rows between from and to (inclusive), oldest first. A zero
// bound is open.
func (s *MongoStore) Features(ctx context.Context, from, to time.Time) ([]airquality.FeatureRow, error) {
	filter := bson.M{}
	rng := bson.M{}
	if !from.IsZero() {
		rng["$gte"] = from.UTC()
	}
	if !to.IsZero() {
		rng["$lte"] = to.UTC()
	}
	if len(rng) > 0 {
		filter["timestamp"] = rng
	}

	cur, err := s.features.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find feature rows: %w", err)
	}
	var docs []featureDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode feature rows: %w", err)
	}

	out := make([]airquality.FeatureRow, len(docs))
	for i, d := range docs {
		out[i] = d.row()
	}
	return out, nil
}

// LatestFeatures returns up to limit most recent rows, oldest first.
func (s *MongoStore) LatestFeatures(ctx context.Context, limit int) ([]airquality.FeatureRow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.features.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find latest feature rows: %w", err)
	}
	var docs []featureDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode feature rows: %w", err)
	}

	out := make([]airquality.FeatureRow, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.row()
	}
	return out, nil
}

func (d featureDoc) row() airquality.FeatureRow {
	return airquality.FeatureRow{Timestamp: d.Timestamp.UTC(), City: d.City, Values: d.Values}
}

// DeleteBefore drops raw and feature documents older than cutoff.
func (s *MongoStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	filter := bson.M{"timestamp": bson.M{"$lt": cutoff.UTC()}}

	rawRes, err := s.raw.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete old raw observations: %w", err)
	}
	featRes, err := s.features.DeleteMany(ctx, filter)
	if err != nil {
		return int(rawRes.DeletedCount), fmt.Errorf("delete old feature rows: %w", err)
	}
	return int(rawRes.DeletedCount + featRes.DeletedCount), nil
}

type artifactDoc struct {
	ID                primitive.ObjectID `bson:"_id,omitempty"`
	registry.Artifact `bson:",inline"`
}

type metricsDoc struct {
	ModelName string             `bson:"model_name"`
	Version   int                `bson:"version"`
	ModelID   primitive.ObjectID `bson:"model_id"`
	Scores    map[string]float64 `bson:"metrics"`
	CreatedAt time.Time          `bson:"created_at"`
}

func (d artifactDoc) artifact() registry.Artifact {
	a := d.Artifact
	a.ID = d.ID.Hex()
	a.CreatedAt = a.CreatedAt.UTC()
	return a
}

// LatestVersion implements registry.Store.
func (s *MongoStore) LatestVersion(ctx context.Context, name string) (int, error) {
	a, err := s.FindArtifact(ctx, name, 0)
	if errors.Is(err, airquality.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return a.Version, nil
}

// InsertArtifact implements registry.Store. The unique (model_name, version)
// index turns a concurrent claim of the same version into ErrVersionConflict.
func (s *MongoStore) InsertArtifact(ctx context.Context, a registry.Artifact) (string, error) {
	res, err := s.models.InsertOne(ctx, artifactDoc{Artifact: a})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", registry.ErrVersionConflict
		}
		return "", fmt.Errorf("insert model artifact: %w", err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return id.Hex(), nil
}

// DeleteArtifact implements registry.Store.
func (s *MongoStore) DeleteArtifact(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid artifact id %q: %w", id, err)
	}
	res, err := s.models.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("delete model artifact: %w", err)
	}
	if res.DeletedCount == 0 {
		return airquality.ErrNotFound
	}
	return nil
}

// InsertMetrics implements registry.Store.
func (s *MongoStore) InsertMetrics(ctx context.Context, m registry.Metrics) error {
	oid, err := primitive.ObjectIDFromHex(m.ModelID)
	if err != nil {
		return fmt.Errorf("invalid model id %q: %w", m.ModelID, err)
	}
	_, err = s.metrics.InsertOne(ctx, metricsDoc{
		ModelName: m.ModelName,
		Version:   m.Version,
		ModelID:   oid,
		Scores:    m.Scores,
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert model metrics: %w", err)
	}
	return nil
}

// FindArtifact implements registry.Store.
func (s *MongoStore) FindArtifact(ctx context.Context, name string, version int) (registry.Artifact, error) {
	filter := bson.M{"model_name": name}
	if version > 0 {
		filter["version"] = version
	}
	var doc artifactDoc
	err := s.models.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return registry.Artifact{}, airquality.ErrNotFound
	}
	if err != nil {
		return registry.Artifact{}, fmt.Errorf("find model artifact: %w", err)
	}
	return doc.artifact(), nil
}

// ListMetrics implements registry.Store.
func (s *MongoStore) ListMetrics(ctx context.Context, name string) ([]registry.Metrics, error) {
	filter := bson.M{}
	if name != "" {
		filter["model_name"] = name
	}
	cur, err := s.metrics.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("find model metrics: %w", err)
	}
	var docs []metricsDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode model metrics: %w", err)
	}

	out := make([]registry.Metrics, len(docs))
	for i, d := range docs {
		out[i] = registry.Metrics{
			ModelName: d.ModelName,
			Version:   d.Version,
			ModelID:   d.ModelID.Hex(),
			Scores:    d.Scores,
			CreatedAt: d.CreatedAt.UTC(),
		}
	}
	return out, nil
}

// ListArtifacts implements registry.Store.
func (s *MongoStore) ListArtifacts(ctx context.Context) ([]registry.Artifact, error) {
	opts := options.Find().SetProjection(bson.M{"model_binary": 0})
	cur, err := s.models.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find model artifacts: %w", err)
	}
	var docs []artifactDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode model artifacts: %w", err)
	}

	out := make([]registry.Artifact, len(docs))
	for i, d := range docs {
		out[i] = d.artifact()
	}
	return out, nil
}

type batchPointer struct {
	ID        string    `bson:"_id"`
	BatchID   string    `bson:"batch_id"`
	ModelName string    `bson:"model_name"`
	CreatedAt time.Time `bson:"created_at"`
}

// ReplacePredictions inserts the batch under its own id, moves the current
// batch pointer to it, then removes every other batch. Readers follow the
// pointer, so they never see a half-written or mixed set.
func (s *MongoStore) ReplacePredictions(ctx context.Context, batch airquality.PredictionBatch) error {
	if batch.ID == "" {
		return errors.New("prediction batch id is required")
	}

	docs := make([]interface{}, len(batch.Predictions))
	for i, p := range batch.Predictions {
		p.BatchID = batch.ID
		docs[i] = p
	}
	if len(docs) > 0 {
		if _, err := s.predictions.InsertMany(ctx, docs); err != nil {
			_, _ = s.predictions.DeleteMany(ctx, bson.M{"batch_id": batch.ID})
			return fmt.Errorf("insert prediction batch %s: %w", batch.ID, err)
		}
	}

	_, err := s.pointer.ReplaceOne(ctx,
		bson.M{"_id": currentBatchID},
		batchPointer{ID: currentBatchID, BatchID: batch.ID, ModelName: batch.ModelName, CreatedAt: batch.CreatedAt},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		_, _ = s.predictions.DeleteMany(ctx, bson.M{"batch_id": batch.ID})
		return fmt.Errorf("swap prediction batch pointer: %w", err)
	}

	res, err := s.predictions.DeleteMany(ctx, bson.M{"batch_id": bson.M{"$ne": batch.ID}})
	if err != nil {
		// The new batch is already current; stale batches are only garbage.
		s.logger.Warn("failed to delete stale prediction batches", "error", err)
		return nil
	}
	s.logger.Info("replaced prediction batch",
		"batch_id", batch.ID, "inserted", len(docs), "stale_deleted", res.DeletedCount)
	return nil
}

// CurrentPredictions returns the batch the pointer names, oldest hour first.
func (s *MongoStore) CurrentPredictions(ctx context.Context) (airquality.PredictionBatch, error) {
	var ptr batchPointer
	err := s.pointer.FindOne(ctx, bson.M{"_id": currentBatchID}).Decode(&ptr)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return airquality.PredictionBatch{}, airquality.ErrNotFound
	}
	if err != nil {
		return airquality.PredictionBatch{}, fmt.Errorf("find prediction batch pointer: %w", err)
	}

	cur, err := s.predictions.Find(ctx,
		bson.M{"batch_id": ptr.BatchID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return airquality.PredictionBatch{}, fmt.Errorf("find predictions: %w", err)
	}
	var preds []airquality.Prediction
	if err := cur.All(ctx, &preds); err != nil {
		return airquality.PredictionBatch{}, fmt.Errorf("decode predictions: %w", err)
	}
	for i := range preds {
		preds[i].Timestamp = preds[i].Timestamp.UTC()
		preds[i].CreatedAt = preds[i].CreatedAt.UTC()
	}

	return airquality.PredictionBatch{
		ID:          ptr.BatchID,
		ModelName:   ptr.ModelName,
		CreatedAt:   ptr.CreatedAt.UTC(),
		Predictions: preds,
	}, nil
}
