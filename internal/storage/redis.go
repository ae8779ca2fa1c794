// Package storage provides Redis client for real-time data.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/komodo-solomining/pool/internal/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient wraps Redis operations for the stratum server.
type RedisClient struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewRedisClient creates a new Redis client.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &RedisClient{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("redis"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// key generates a prefixed key.
func (r *RedisClient) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// CheckDuplicateShare checks if a share has already been submitted.
func (r *RedisClient) CheckDuplicateShare(ctx context.Context, shareKey string) (bool, error) {
	key := r.key("share", shareKey)
	
	// Use SetNX to atomically check and set
	result, err := r.client.SetNX(ctx, key, 1, r.cfg.ShareTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate share: %w", err)
	}

	// If result is false, the key already existed (duplicate)
	return !result, nil
}

// AddOnlineWorker adds a worker to the online workers set.
func (r *RedisClient) AddOnlineWorker(ctx context.Context, workerName string) error {
	key := r.key("workers", "online")
	
	_, err := r.client.SAdd(ctx, key, workerName).Result()
	if err != nil {
		return fmt.Errorf("failed to add online worker: %w", err)
	}

	// Set worker heartbeat
	heartbeatKey := r.key("worker", workerName, "heartbeat")
	_, err = r.client.Set(ctx, heartbeatKey, time.Now().Unix(), r.cfg.WorkerTTL).Result()
	
	return err
}

// RemoveOnlineWorker removes a worker from the online workers set.
func (r *RedisClient) RemoveOnlineWorker(ctx context.Context, workerName string) error {
	key := r.key("workers", "online")
	
	_, err := r.client.SRem(ctx, key, workerName).Result()
	if err != nil {
		return fmt.Errorf("failed to remove online worker: %w", err)
	}

	// Delete worker heartbeat
	heartbeatKey := r.key("worker", workerName, "heartbeat")
	r.client.Del(ctx, heartbeatKey)

	return nil
}

// IncrementWorkerShares increments the share counter for a worker.
func (r *RedisClient) IncrementWorkerShares(ctx context.Context, workerName string, valid bool) error {
	var key string
	if valid {
		key = r.key("worker", workerName, "valid_shares")
	} else {
		key = r.key("worker", workerName, "invalid_shares")
	}

	_, err := r.client.Incr(ctx, key).Result()
	return err
}

// SetWorkerDifficulty sets the current difficulty for a worker.
func (r *RedisClient) SetWorkerDifficulty(ctx context.Context, workerName string, difficulty float64) error {
	key := r.key("worker", workerName, "difficulty")
	
	_, err := r.client.Set(ctx, key, difficulty, r.cfg.WorkerTTL).Result()
	return err
}

// GetWorkerDifficulty gets a worker's last-known difficulty. It returns
// (0, nil) when no cached value exists, leaving the "no prior value"
// default to the caller rather than masking it here.
func (r *RedisClient) GetWorkerDifficulty(ctx context.Context, workerName string) (float64, error) {
	key := r.key("worker", workerName, "difficulty")

	result, err := r.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get worker difficulty: %w", err)
	}

	return result, nil
}

// UpdatePoolHashrate updates the pool's total hashrate.
func (r *RedisClient) UpdatePoolHashrate(ctx context.Context, hashrate float64) error {
	key := r.key("pool", "hashrate")
	
	_, err := r.client.Set(ctx, key, hashrate, time.Minute).Result()
	return err
}