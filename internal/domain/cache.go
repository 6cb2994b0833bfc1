package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// AdmitWindow records one event in a rolling window of the given length
	// and reports whether it fits under limit. Rejected events are not recorded.
	// The returned count is the number of events in the window after the call.
	AdmitWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (bool, int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type" json:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `yaml:"local_max_size" json:"localMaxSize"`
	LocalTTL     time.Duration `yaml:"local_ttl" json:"localTtl"`

	// ResultTTL bounds how long a pipeline result stays queryable from cache.
	ResultTTL time.Duration `yaml:"result_ttl" json:"resultTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `yaml:"redis_addr" json:"redisAddr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `yaml:"enable_two_phase" json:"enableTwoPhase"` // If true, check local first, then Redis
}
