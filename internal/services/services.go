// Package services coordinates the shared infrastructure: event bus,
// cache, database, and monitoring. Initialization order is DB, cache,
// monitoring (the bus exists up front); disposal runs in reverse. The
// coordinator also wires cross-service events so database errors and cache
// traffic land in the metrics collector.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codelens/internal/bus"
	"codelens/internal/cache"
	"codelens/internal/config"
	"codelens/internal/db"
	"codelens/internal/logging"
	"codelens/internal/monitor"
	"codelens/internal/types"
)

// HealthReport is the payload emitted on shared-services:health-check.
type HealthReport struct {
	Database   bool      `json:"database"`
	Cache      bool      `json:"cache"`
	Monitoring bool      `json:"monitoring"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Shared is the process-lifetime service container. Initialize once,
// dispose once; repeating the cycle returns it to the uninitialized state.
type Shared struct {
	Events  *bus.Bus
	Cache   *cache.Service
	DB      *db.Service
	Monitor *monitor.Service

	cfg         *config.Config
	log         *logging.Logger
	mu          sync.Mutex
	initialized bool

	healthStop chan struct{}
	healthDone chan struct{}
}

// New creates the container without touching any resource.
func New(cfg *config.Config) *Shared {
	return &Shared{
		Events: bus.New(),
		cfg:    cfg,
		log:    logging.Get(logging.CategoryBoot),
	}
}

// Initialize brings the services up in dependency order and wires
// cross-service events. Partially initialized state is torn down on error.
func (s *Shared) Initialize(layerThresholds map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryBoot, "services.Initialize")
	defer timer.Stop()

	dbCfg := s.cfg.Database
	dbCfg.Path = s.cfg.DatabasePath()
	database, err := db.New(dbCfg, s.Events)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	s.DB = database

	cacheSvc, err := cache.New(s.cfg.Cache, s.Events)
	if err != nil {
		_ = s.DB.Close()
		s.DB = nil
		return fmt.Errorf("cache init: %w", err)
	}
	s.Cache = cacheSvc

	s.Monitor = monitor.New(s.Events, layerThresholds)
	s.Monitor.StartReporting(s.cfg.Monitoring)

	s.wireEvents()
	s.startHealthChecks()

	s.initialized = true
	s.log.Info("shared services initialized")
	return nil
}

// wireEvents routes service events into the metrics collector.
func (s *Shared) wireEvents() {
	for _, topic := range []string{bus.TopicDBQueryError, bus.TopicDBExecuteError, bus.TopicDBTransactionError} {
		s.Events.On(topic, func(p interface{}) {
			if ev, ok := p.(db.ErrorEvent); ok {
				s.Monitor.RecordError("database", ev.Error, time.Now())
			}
		})
	}
	s.Events.On(bus.TopicCacheHit, func(interface{}) { s.Monitor.RecordCacheHit() })
	s.Events.On(bus.TopicCacheMiss, func(interface{}) { s.Monitor.RecordCacheMiss() })
}

func (s *Shared) startHealthChecks() {
	interval := s.cfg.Monitoring.MetricsInterval()
	if !s.cfg.Monitoring.Enabled || interval <= 0 {
		return
	}
	s.healthStop = make(chan struct{})
	s.healthDone = make(chan struct{})
	go func() {
		defer close(s.healthDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.healthStop:
				return
			case <-ticker.C:
				s.Events.Emit(bus.TopicHealthCheck, s.Health())
			}
		}
	}()
}

// Health returns the per-service health snapshot.
func (s *Shared) Health() HealthReport {
	return HealthReport{
		Database:   s.DB != nil && s.DB.Initialized(),
		Cache:      s.Cache != nil && s.Cache.Healthy(),
		Monitoring: s.Monitor != nil && s.Monitor.Healthy(),
		CheckedAt:  time.Now(),
	}
}

// Flush clears caches and resets metrics.
func (s *Shared) Flush(ctx context.Context) error {
	if !s.initialized {
		return types.ErrNotInitialized
	}
	s.Cache.Clear(ctx)
	s.Monitor.Reset()
	return nil
}

// Backup snapshots the database file to path.
func (s *Shared) Backup(ctx context.Context, path string) error {
	if !s.initialized {
		return types.ErrNotInitialized
	}
	return s.DB.Backup(ctx, path)
}

// Maintenance compacts the database, clears caches, and purges learning
// events past the configured retention.
func (s *Shared) Maintenance(ctx context.Context) error {
	if !s.initialized {
		return types.ErrNotInitialized
	}

	retention := time.Duration(s.cfg.Learning.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if err := s.DB.Maintenance(ctx, retention); err != nil {
		return err
	}
	s.Cache.Clear(ctx)
	return nil
}

// Dispose tears services down in reverse order. Safe to call repeatedly.
func (s *Shared) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}

	if s.healthStop != nil {
		close(s.healthStop)
		<-s.healthDone
		s.healthStop = nil
		s.healthDone = nil
	}

	s.Monitor.StopReporting()

	var firstErr error
	if err := s.Cache.Close(); err != nil {
		firstErr = err
	}
	if err := s.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.Events.RemoveAll("")
	s.Cache, s.DB, s.Monitor = nil, nil, nil
	s.initialized = false
	s.log.Info("shared services disposed")
	return firstErr
}

// Initialized reports whether the container is live.
func (s *Shared) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}
