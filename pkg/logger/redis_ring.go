package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRingConfig contains configuration for the Redis-backed sync log
type RedisRingConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Key      string        `yaml:"key" env:"KEY"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultRedisRingConfig returns default Redis ring configuration
func DefaultRedisRingConfig() *RedisRingConfig {
	return &RedisRingConfig{
		Addr:    "localhost:6379",
		Key:     "coursemirror:sync_log",
		Timeout: 2 * time.Second,
	}
}

// RedisRing stores the sync log in a Redis list shared by every instance
type RedisRing struct {
	client   *redis.Client
	key      string
	capacity int
	timeout  time.Duration
}

// NewRedisRing connects to Redis and returns a ring of the given capacity
func NewRedisRing(config *RedisRingConfig, capacity int) (*RedisRing, error) {
	if config == nil {
		config = DefaultRedisRingConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisRingWithClient(client, config.Key, capacity, config.Timeout), nil
}

// NewRedisRingWithClient wraps an existing client
func NewRedisRingWithClient(client *redis.Client, key string, capacity int, timeout time.Duration) *RedisRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if key == "" {
		key = DefaultRedisRingConfig().Key
	}
	if timeout <= 0 {
		timeout = DefaultRedisRingConfig().Timeout
	}
	return &RedisRing{
		client:   client,
		key:      key,
		capacity: capacity,
		timeout:  timeout,
	}
}

// Append pushes an entry and trims the list to capacity
func (r *RedisRing) Append(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, int64(r.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// Entries returns up to limit entries, newest first
func (r *RedisRing) Entries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > r.capacity {
		limit = r.capacity
	}

	raw, err := r.client.LRange(ctx, r.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read log entries: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear removes every entry
func (r *RedisRing) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to clear log entries: %w", err)
	}
	return nil
}

// Capacity returns the maximum number of entries
func (r *RedisRing) Capacity() int {
	return r.capacity
}

// Close closes the Redis client
func (r *RedisRing) Close() error {
	return r.client.Close()
}

// Ping checks that Redis is reachable
func (r *RedisRing) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
