package verdict

import "sync"

// Metrics is an in-process snapshot of gate activity. The same events are
// also emitted to the telemetry sink.
type Metrics struct {
	mu              sync.RWMutex
	CacheHits       int64
	CacheMisses     int64
	Introspections  int64
	Active          int64
	Inactive        int64
	Errors          int64
	RateLimited     int64
	Cancelled       int64
	Unauthenticated int64
	// Dropped counts verdicts the cache refused to admit
	Dropped int64
}

func (m *Metrics) incr(field *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field++
}

func (m *Metrics) IncrementCacheHits()       { m.incr(&m.CacheHits) }
func (m *Metrics) IncrementCacheMisses()     { m.incr(&m.CacheMisses) }
func (m *Metrics) IncrementIntrospections()  { m.incr(&m.Introspections) }
func (m *Metrics) IncrementActive()          { m.incr(&m.Active) }
func (m *Metrics) IncrementInactive()        { m.incr(&m.Inactive) }
func (m *Metrics) IncrementErrors()          { m.incr(&m.Errors) }
func (m *Metrics) IncrementRateLimited()     { m.incr(&m.RateLimited) }
func (m *Metrics) IncrementCancelled()       { m.incr(&m.Cancelled) }
func (m *Metrics) IncrementUnauthenticated() { m.incr(&m.Unauthenticated) }
func (m *Metrics) IncrementDropped()         { m.incr(&m.Dropped) }

func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"cache_hits":      m.CacheHits,
		"cache_misses":    m.CacheMisses,
		"introspections":  m.Introspections,
		"active":          m.Active,
		"inactive":        m.Inactive,
		"errors":          m.Errors,
		"rate_limited":    m.RateLimited,
		"cancelled":       m.Cancelled,
		"unauthenticated": m.Unauthenticated,
		"dropped":         m.Dropped,
	}
}
