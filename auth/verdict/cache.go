package verdict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/safehost/tokengate/auth"
	"github.com/safehost/tokengate/logger"
)

// Kind is the closed set of cached verdict variants.
type Kind int

const (
	KindActive Kind = iota + 1
	KindInactive
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindActive:
		return "active"
	case KindInactive:
		return "inactive"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a cached verdict. Identity is set for KindActive, Message for
// KindError.
type Entry struct {
	Kind     Kind
	Identity *auth.Identity
	Message  string
	TTL      time.Duration
}

func Active(id *auth.Identity, ttl time.Duration) *Entry {
	return &Entry{Kind: KindActive, Identity: id, TTL: ttl}
}

func Inactive(ttl time.Duration) *Entry {
	return &Entry{Kind: KindInactive, TTL: ttl}
}

func Failed(message string, ttl time.Duration) *Entry {
	return &Entry{Kind: KindError, Message: message, TTL: ttl}
}

// Loader produces the entry for a missing key. An error means nothing is
// cached; it is reserved for the caller's cancellation.
type Loader func(ctx context.Context) (*Entry, error)

type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		NumCounters: 1e6,
		MaxCost:     1e5,
		BufferItems: 64,
	}
}

// Cache maps raw tokens to verdicts and coalesces concurrent misses for the
// same token into one load.
type Cache struct {
	mu      sync.RWMutex
	store   *ristretto.Cache[string, *Entry]
	group   singleflight.Group
	logger  *logger.GatedLogger
	metrics *Metrics
	closed  bool
}

// maxLoadAttempts bounds how often a waiter rejoins after the goroutine
// that led a shared load was cancelled.
const maxLoadAttempts = 3

func NewCache(log *logger.GatedLogger, config *CacheConfig) (*Cache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if log == nil {
		log = logger.NewTestLogger()
	}

	c := &Cache{
		logger:  log.WithSubsystem("verdict"),
		metrics: &Metrics{},
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters: config.NumCounters,
		MaxCost:     config.MaxCost,
		BufferItems: config.BufferItems,
		// Every entry costs 1, so MaxCost is an entry count
		IgnoreInternalCost: true,
		OnEvict:            c.onEvict,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verdict cache: %w", err)
	}
	c.store = store

	c.logger.Debug("verdict cache initialized",
		logger.Int64("max_cost", config.MaxCost),
		logger.Int64("num_counters", config.NumCounters),
	)
	return c, nil
}

func (c *Cache) onEvict(item *ristretto.Item[*Entry]) {
	c.logger.Trace("verdict evicted",
		logger.String("kind", item.Value.Kind.String()),
	)
}

// Get returns the cached verdict for token, if any.
func (c *Cache) Get(token string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false
	}
	return c.store.Get(token)
}

// GetOrLoad returns the cached verdict for token, calling load on a miss.
// Concurrent misses for one token share a single load. hit reports whether
// the entry came from the cache.
func (c *Cache) GetOrLoad(ctx context.Context, token string, load Loader) (entry *Entry, hit bool, err error) {
	for attempt := 1; ; attempt++ {
		if e, ok := c.Get(token); ok {
			c.metrics.IncrementCacheHits()
			return e, true, nil
		}
		c.metrics.IncrementCacheMisses()

		ch := c.group.DoChan(token, func() (any, error) {
			// Double-check cache in case another flight just finished
			if e, ok := c.Get(token); ok {
				return e, nil
			}
			e, err := load(ctx)
			if err != nil {
				return nil, err
			}
			c.set(token, e)
			return e, nil
		})

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(*Entry), false, nil
			}
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			// The goroutine that led the flight was cancelled, not us.
			if isCancellation(res.Err) && attempt < maxLoadAttempts {
				continue
			}
			return nil, false, res.Err
		}
	}
}

func (c *Cache) set(token string, e *Entry) {
	if e == nil || e.TTL <= 0 {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	if c.store.SetWithTTL(token, e, 1, e.TTL) {
		// Ristretto applies sets asynchronously
		c.store.Wait()
		if _, ok := c.store.Get(token); ok {
			return
		}
	}
	c.metrics.IncrementDropped()
	c.logger.Debug("verdict dropped by cache admission",
		logger.TokenPreview("token", token),
		logger.String("kind", e.Kind.String()),
	)
}

func (c *Cache) Metrics() *Metrics {
	return c.metrics
}

func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.store.Close()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
