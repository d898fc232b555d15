package revocation

import "sync"

type Metrics struct {
	mu              sync.RWMutex
	Connects        int64
	ConnectFailures int64
	Applied         int64
	Ignored         int64
	Skipped         int64
	Malformed       int64
	Rejections      int64
}

func (m *Metrics) incr(field *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field++
}

func (m *Metrics) IncrementConnects()        { m.incr(&m.Connects) }
func (m *Metrics) IncrementConnectFailures() { m.incr(&m.ConnectFailures) }
func (m *Metrics) IncrementApplied()         { m.incr(&m.Applied) }
func (m *Metrics) IncrementIgnored()         { m.incr(&m.Ignored) }
func (m *Metrics) IncrementSkipped()         { m.incr(&m.Skipped) }
func (m *Metrics) IncrementMalformed()       { m.incr(&m.Malformed) }
func (m *Metrics) IncrementRejections()      { m.incr(&m.Rejections) }

func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"connects":         m.Connects,
		"connect_failures": m.ConnectFailures,
		"applied":          m.Applied,
		"ignored":          m.Ignored,
		"skipped":          m.Skipped,
		"malformed":        m.Malformed,
		"rejections":       m.Rejections,
	}
}
