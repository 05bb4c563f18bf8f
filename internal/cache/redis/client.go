package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/query"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

const evidencePrefix = "evidence:"

// Client stores evidence sets in Redis so exports survive a restart and
// can be served by any instance. Expiry is left to Redis.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)), zap.Duration("ttl", ttl))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Save(ctx context.Context, set models.EvidenceSet) error {
	if set.Ref == "" {
		return fmt.Errorf("evidence set has no reference")
	}

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence set: %w", err)
	}

	err = c.client.Set(ctx, evidencePrefix+set.Ref, data, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store evidence set: %w", err)
	}

	logger.Debug("Evidence set stored", zap.String("ref", set.Ref), zap.Int("items", len(set.Evidence)), zap.Duration("ttl", c.ttl))
	return nil
}

func (c *Client) Load(ctx context.Context, ref string) (models.EvidenceSet, error) {
	data, err := c.client.Get(ctx, evidencePrefix+ref).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return models.EvidenceSet{}, query.ErrEvidenceNotFound
	}
	if err != nil {
		return models.EvidenceSet{}, fmt.Errorf("failed to load evidence set: %w", err)
	}

	var set models.EvidenceSet
	if err := json.Unmarshal(data, &set); err != nil {
		return models.EvidenceSet{}, fmt.Errorf("failed to unmarshal evidence set: %w", err)
	}

	metrics.CacheHits.WithLabelValues("redis").Inc()
	logger.Debug("Evidence set loaded", zap.String("ref", ref))
	return set, nil
}

// Invalidate removes every stored evidence set.
func (c *Client) Invalidate(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, evidencePrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete evidence key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate evidence keys: %w", err)
	}

	logger.Info("Evidence sets invalidated", zap.Int("removed", removed))
	return removed, nil
}
