package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/clearance/internal/domain"
)

// LRUCache is the in-process community tier cache and the L1 of
// TwoPhaseCache. Values expire by TTL and are evicted least recently used
// first once maxSize is reached.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]window
	now      func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// window is one fixed rate-limit window.
type window struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates an LRU holding at most maxSize values (10000 when not
// positive). The counter table is swept once it holds maxSize windows.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]window),
		now:      time.Now,
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	fullKey, err := tenantKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if c.now().After(entry.expiresAt) {
		c.remove(elem)
		return nil, nil
	}
	c.order.MoveToFront(elem)
	return entry.value, nil
}

func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[fullKey]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[fullKey] = c.order.PushFront(&lruEntry{key: fullKey, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	fullKey, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[fullKey]; ok {
		c.remove(elem)
	}
	return nil
}

func (c *LRUCache) GetAssessment(ctx context.Context, tenantID string, key string) (*domain.RiskAssessment, error) {
	return getAssessment(ctx, c, tenantID, key)
}

func (c *LRUCache) SetAssessment(ctx context.Context, tenantID string, key string, a *domain.RiskAssessment, ttl time.Duration) error {
	return setAssessment(ctx, c, tenantID, key, a, ttl)
}

// IncrementCounter counts within a fixed window that starts at the first
// increment after the previous window expired.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	fullKey, err := tenantKey(tenantID, counterPrefix+key)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.counters[fullKey]
	if !ok || now.After(w.expiresAt) {
		if len(c.counters) >= c.maxSize {
			c.sweepCounters(now)
		}
		w = window{expiresAt: now.Add(span)}
	}
	w.count++
	c.counters[fullKey] = w
	return w.count, nil
}

func (c *LRUCache) sweepCounters(now time.Time) {
	for k, w := range c.counters {
		if now.After(w.expiresAt) {
			delete(c.counters, k)
		}
	}
}

func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry and counter.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.counters = make(map[string]window)
	return nil
}

// Stats returns the number of cached values and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}
