package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

// Default channel and key names.
const (
	DefaultChannel = "aqi:predictions"
	latestSuffix   = ":latest"
)

// Redis fans each new prediction batch out on a pub/sub channel and keeps
// the newest one under "<channel>:latest" for late subscribers.
type Redis struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
	logger  *slog.Logger
}

// ConnectRedis parses url, pings the server and returns a ready publisher.
func ConnectRedis(ctx context.Context, url, channel string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, channel, ttl, logger), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, channel string, ttl time.Duration, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, channel: channel, ttl: ttl, logger: logger}
}

// Publish sends batch on the channel and caches it as the latest batch.
func (r *Redis) Publish(ctx context.Context, batch airquality.PredictionBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal prediction batch: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.channel+latestSuffix, data, r.ttl)
	receivers := pipe.Publish(ctx, r.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish prediction batch %s: %w", batch.ID, err)
	}

	r.logger.Info("published prediction batch",
		"batch_id", batch.ID, "channel", r.channel, "subscribers", receivers.Val())
	return nil
}

// Latest returns the cached batch, or airquality.ErrNotFound.
func (r *Redis) Latest(ctx context.Context) (airquality.PredictionBatch, error) {
	data, err := r.client.Get(ctx, r.channel+latestSuffix).Bytes()
	if err == redis.Nil {
		return airquality.PredictionBatch{}, airquality.ErrNotFound
	}
	if err != nil {
		return airquality.PredictionBatch{}, fmt.Errorf("read latest prediction batch: %w", err)
	}
	var batch airquality.PredictionBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return airquality.PredictionBatch{}, fmt.Errorf("decode latest prediction batch: %w", err)
	}
	return batch, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
