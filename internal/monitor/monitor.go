// Package monitor collects per-layer latency windows, cache counters, and
// recent errors, and derives percentile summaries and health verdicts. An
// optional periodic reporter publishes summaries on the event bus, and the
// same samples feed a Prometheus registry for the /metrics endpoint.
package monitor

import (
	"sync"
	"time"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/logging"
)

const (
	windowCapacity = 1000
	maxErrors      = 100
	recentErrors   = 20

	defaultLayerThresholdMs = 50.0
	maxLayerErrorRate       = 0.05
)

// Sample is one recorded operation.
type Sample struct {
	Layer      string
	Operation  string
	Duration   time.Duration
	CacheHit   bool
	ErrorCount int
}

// ErrorRecord is one recorded failure.
type ErrorRecord struct {
	Layer     string    `json:"layer"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LayerStats summarizes one layer's recent traffic.
type LayerStats struct {
	Requests   int64   `json:"requests"`
	AvgLatency float64 `json:"avg_latency_ms"`
	ErrorRate  float64 `json:"error_rate"`
	Healthy    bool    `json:"healthy"`
}

// Summary is the cross-layer rollup.
type Summary struct {
	RequestCount int64                 `json:"request_count"`
	AvgLatency   float64               `json:"avg_latency_ms"`
	P50          float64               `json:"p50_ms"`
	P95          float64               `json:"p95_ms"`
	P99          float64               `json:"p99_ms"`
	ErrorRate    float64               `json:"error_rate"`
	CacheHitRate float64               `json:"cache_hit_rate"`
	Layers       map[string]LayerStats `json:"per_layer_breakdown"`
}

// Stats extends Summary with uptime and recent errors.
type Stats struct {
	Summary
	Uptime       time.Duration `json:"uptime"`
	RecentErrors []ErrorRecord `json:"recent_errors"`
}

type layerState struct {
	window       *slidingWindow
	requests     int64
	totalLatency float64
	errors       int64
}

// Service is the performance-metrics collector.
type Service struct {
	mu sync.Mutex

	global     *slidingWindow
	layers     map[string]*layerState
	errors     []ErrorRecord
	thresholds map[string]float64

	requests    int64
	errorCount  int64
	cacheHits   int64
	cacheMisses int64

	startedAt time.Time
	events    *bus.Bus
	log       *logging.Logger
	metrics   *promMetrics

	reportStop chan struct{}
	reportDone chan struct{}
}

// New creates the collector. Thresholds map layer names to their budgeted
// average latency in milliseconds; unnamed layers get the default.
func New(events *bus.Bus, thresholds map[string]float64) *Service {
	return &Service{
		global:     newSlidingWindow(windowCapacity),
		layers:     make(map[string]*layerState),
		thresholds: thresholds,
		startedAt:  time.Now(),
		events:     events,
		log:        logging.Get(logging.CategoryMonitor),
		metrics:    newPromMetrics(),
	}
}

// RecordPerformance feeds one operation sample into the global and
// per-layer windows.
func (s *Service) RecordPerformance(sample Sample) {
	ms := float64(sample.Duration.Microseconds()) / 1000.0

	s.mu.Lock()
	s.global.add(ms)
	s.requests++
	s.errorCount += int64(sample.ErrorCount)

	state, ok := s.layers[sample.Layer]
	if !ok {
		state = &layerState{window: newSlidingWindow(windowCapacity)}
		s.layers[sample.Layer] = state
	}
	state.window.add(ms)
	state.requests++
	state.totalLatency += ms
	state.errors += int64(sample.ErrorCount)
	s.mu.Unlock()

	s.metrics.observe(sample.Layer, sample.Operation, ms, sample.CacheHit, sample.ErrorCount)
}

// RecordCacheHit increments the cache hit counter.
func (s *Service) RecordCacheHit() {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
	s.metrics.cacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (s *Service) RecordCacheMiss() {
	s.mu.Lock()
	s.cacheMisses++
	s.mu.Unlock()
	s.metrics.cacheMisses.Inc()
}

// RecordError appends to the bounded error log (FIFO-truncated at 100).
func (s *Service) RecordError(layer, message string, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	s.mu.Lock()
	s.errors = append(s.errors, ErrorRecord{Layer: layer, Message: message, Timestamp: ts})
	if len(s.errors) > maxErrors {
		s.errors = s.errors[len(s.errors)-maxErrors:]
	}
	s.errorCount++
	s.mu.Unlock()
	s.metrics.errorsTotal.WithLabelValues(layer).Inc()
}

// Summary computes the rollup over current windows.
func (s *Service) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Service) summaryLocked() Summary {
	out := Summary{
		RequestCount: s.requests,
		AvgLatency:   s.global.avg(),
		P50:          s.global.percentile(0.50),
		P95:          s.global.percentile(0.95),
		P99:          s.global.percentile(0.99),
		Layers:       make(map[string]LayerStats, len(s.layers)),
	}
	if s.requests > 0 {
		out.ErrorRate = float64(s.errorCount) / float64(s.requests)
	}
	if total := s.cacheHits + s.cacheMisses; total > 0 {
		out.CacheHitRate = float64(s.cacheHits) / float64(total)
	}

	for name, state := range s.layers {
		ls := LayerStats{Requests: state.requests}
		if state.requests > 0 {
			ls.AvgLatency = state.totalLatency / float64(state.requests)
			ls.ErrorRate = float64(state.errors) / float64(state.requests)
		}
		threshold := defaultLayerThresholdMs
		if t, ok := s.thresholds[name]; ok {
			threshold = t
		}
		ls.Healthy = ls.AvgLatency < threshold && ls.ErrorRate < maxLayerErrorRate
		out.Layers[name] = ls
	}
	return out
}

// Stats returns the summary plus uptime and the 20 most recent errors.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Summary: s.summaryLocked(),
		Uptime:  time.Since(s.startedAt),
	}
	n := len(s.errors)
	start := n - recentErrors
	if start < 0 {
		start = 0
	}
	out.RecentErrors = append(out.RecentErrors, s.errors[start:]...)
	return out
}

// StartReporting emits a metrics-report on the bus every interval until
// StopReporting is called.
func (s *Service) StartReporting(cfg config.MonitoringConfig) {
	if !cfg.Enabled || s.reportStop != nil {
		return
	}
	interval := cfg.MetricsInterval()
	if interval <= 0 {
		interval = time.Minute
	}

	s.reportStop = make(chan struct{})
	s.reportDone = make(chan struct{})
	go func() {
		defer close(s.reportDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.reportStop:
				return
			case <-ticker.C:
				s.events.Emit(bus.TopicMetricsReport, s.Summary())
			}
		}
	}()
	s.log.Info("periodic metrics reporting started (interval=%v)", interval)
}

// StopReporting stops the periodic reporter and waits for it to exit.
func (s *Service) StopReporting() {
	if s.reportStop == nil {
		return
	}
	close(s.reportStop)
	<-s.reportDone
	s.reportStop = nil
	s.reportDone = nil
}

// Reset clears all windows and counters. Uptime is preserved.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = newSlidingWindow(windowCapacity)
	s.layers = make(map[string]*layerState)
	s.errors = nil
	s.requests, s.errorCount, s.cacheHits, s.cacheMisses = 0, 0, 0, 0
}

// Healthy reports whether every layer with traffic is within budget.
func (s *Service) Healthy() bool {
	summary := s.Summary()
	for _, ls := range summary.Layers {
		if !ls.Healthy {
			return false
		}
	}
	return true
}
