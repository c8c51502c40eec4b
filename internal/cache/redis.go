package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces every key this service writes.
const redisKeyPrefix = "clearance:"

// incrWindow starts the expiry on the first increment of a window.
var incrWindow = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RedisCache is the pro tier cache and the L2 of TwoPhaseCache.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects to Redis. addr may list several comma-separated
// addresses, in which case a cluster client is used.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(addr, ","),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	fullKey, err := redisKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := redisKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	fullKey, err := redisKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, fullKey).Err()
}

func (c *RedisCache) GetAssessment(ctx context.Context, tenantID string, key string) (*domain.RiskAssessment, error) {
	return getAssessment(ctx, c, tenantID, key)
}

func (c *RedisCache) SetAssessment(ctx context.Context, tenantID string, key string, a *domain.RiskAssessment, ttl time.Duration) error {
	return setAssessment(ctx, c, tenantID, key, a, ttl)
}

// IncrementCounter runs INCR and PEXPIRE atomically in a Lua script.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	fullKey, err := redisKey(tenantID, counterPrefix+key)
	if err != nil {
		return 0, err
	}
	n, err := incrWindow.Run(ctx, c.client, []string{fullKey}, span.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(tenantID, key string) (string, error) {
	k, err := tenantKey(tenantID, key)
	if err != nil {
		return "", err
	}
	return redisKeyPrefix + k, nil
}
