package domain

import (
	"context"
	"time"
)

// Cache holds computed assessments, compliance flags and rate-limit
// counters, always partitioned by tenant.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// GetAssessment returns nil, nil on a miss. Keys come from
	// AssessmentCacheKey.
	GetAssessment(ctx context.Context, tenantID string, key string) (*RiskAssessment, error)
	SetAssessment(ctx context.Context, tenantID string, key string, a *RiskAssessment, ttl time.Duration) error

	// IncrementCounter adds one to a counter that resets window after its
	// first increment, and returns the new count.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// AssessmentCacheKey keys a cached assessment by rule version and input
// digest, so a result computed under another rule version is never returned.
func AssessmentCacheKey(ruleVersion, inputDigest string) string {
	return "assessment:" + ruleVersion + ":" + inputDigest
}

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type"`

	LocalMaxSize int           `yaml:"localMaxSize"`
	LocalTTL     time.Duration `yaml:"localTtl"` // L1 lifetime in two-phase mode

	// RedisAddr may list comma-separated cluster nodes.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	// EnableTwoPhase puts a local LRU in front of Redis.
	EnableTwoPhase bool `yaml:"enableTwoPhase"`
}
