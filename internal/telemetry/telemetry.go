// Package telemetry wraps go-metrics with an in-memory sink that the sys
// endpoints can render. A nil *Sink is valid and records nothing.
package telemetry

import (
	"net/http"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultRetain   = time.Minute
)

type Sink struct {
	inmem   *metrics.InmemSink
	metrics *metrics.Metrics
}

// New creates a Sink aggregating samples into interval buckets kept for
// retain.
func New(service string, interval, retain time.Duration) (*Sink, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retain <= 0 {
		retain = DefaultRetain
	}

	inm := metrics.NewInmemSink(interval, retain)
	cfg := metrics.DefaultConfig(service)
	cfg.EnableHostname = false
	cfg.EnableHostnameLabel = false
	cfg.EnableRuntimeMetrics = false

	m, err := metrics.New(cfg, inm)
	if err != nil {
		return nil, err
	}
	return &Sink{inmem: inm, metrics: m}, nil
}

func (s *Sink) IncrCounter(key []string, labels ...metrics.Label) {
	if s == nil {
		return
	}
	if len(labels) == 0 {
		s.metrics.IncrCounter(key, 1)
		return
	}
	s.metrics.IncrCounterWithLabels(key, 1, labels)
}

func (s *Sink) MeasureSince(key []string, start time.Time) {
	if s == nil {
		return
	}
	s.metrics.MeasureSince(key, start)
}

func (s *Sink) SetGauge(key []string, value float32) {
	if s == nil {
		return
	}
	s.metrics.SetGauge(key, value)
}

// Label is a shorthand for metrics.Label.
func Label(name, value string) metrics.Label {
	return metrics.Label{Name: name, Value: value}
}

// Display writes the current interval summary, the same payload go-metrics
// serves for its inmem sink.
func (s *Sink) Display(w http.ResponseWriter, r *http.Request) (any, error) {
	if s == nil {
		return map[string]any{}, nil
	}
	return s.inmem.DisplayMetrics(w, r)
}

// Shutdown stops the metrics aggregator.
func (s *Sink) Shutdown() {
	if s == nil {
		return
	}
	s.metrics.Shutdown()
}
