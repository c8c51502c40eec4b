// Package cache provides caching implementations for assessment results,
// compliance flags and rate-limit counters.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/clearance/internal/domain"
)

// ErrTenantRequired is returned by every operation called without a tenant.
var ErrTenantRequired = errors.New("tenantID is required")

// counterPrefix keeps rate-limit counters apart from cached values.
const counterPrefix = "counter:"

// New creates the cache named by cfg.Type:
// memory gives an LRU, redis gives Redis or, with EnableTwoPhase, an LRU in
// front of Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

func tenantKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	return tenantID + ":" + key, nil
}

// byteStore is the raw half of domain.Cache that the assessment helpers
// build on.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func getAssessment(ctx context.Context, s byteStore, tenantID, key string) (*domain.RiskAssessment, error) {
	data, err := s.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil, err
	}
	var a domain.RiskAssessment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode cached assessment %s: %w", key, err)
	}
	return &a, nil
}

func setAssessment(ctx context.Context, s byteStore, tenantID, key string, a *domain.RiskAssessment, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}
	return s.Set(ctx, tenantID, key, data, ttl)
}

// TwoPhaseCache reads through a local LRU (L1) to a shared cache (L2).
// Counters always go to L2 so limits hold across replicas.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache layers local over remote. L1 entries live at most l1TTL
// (5 minutes when zero) so compliance flag changes reach every replica.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// Get checks L1, then L2, populating L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes L1 with min(ttl, l1TTL) and L2 with ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

func (c *TwoPhaseCache) GetAssessment(ctx context.Context, tenantID string, key string) (*domain.RiskAssessment, error) {
	return getAssessment(ctx, c, tenantID, key)
}

func (c *TwoPhaseCache) SetAssessment(ctx context.Context, tenantID string, key string, a *domain.RiskAssessment, ttl time.Duration) error {
	return setAssessment(ctx, c, tenantID, key, a, ttl)
}

func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, tenantID, key, window)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
