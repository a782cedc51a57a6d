// Package cache implements the two-tier key/value cache: an in-process LRU
// with per-entry TTL and an optional Redis-backed remote tier. Strategy
// selects memory-only, remote-only, or hybrid (memory in front of remote).
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/logging"
	"codelens/internal/types"
)

// Event is the payload for cache:* topics.
type Event struct {
	Key    string `json:"key"`
	Source string `json:"source,omitempty"` // memory | remote
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Size    int       `json:"size"`
	Hits    int64     `json:"hits"`
	Misses  int64     `json:"misses"`
	HitRate float64   `json:"hit_rate"`
	Oldest  time.Time `json:"p_oldest"`
	Newest  time.Time `json:"p_newest"`
}

// Unhealthy thresholds: initialized caches with a hit rate this low after a
// non-trivial number of requests indicate a fingerprinting or TTL problem.
const (
	unhealthyHitRate     = 0.1
	unhealthyMinRequests = 100
)

// Service is the cache facade used by the analyzer and learning components.
type Service struct {
	strategy config.CacheStrategy
	memory   *memoryTier
	remote   *remoteTier
	events   *bus.Bus
	log      *logging.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	initialized bool
}

// New builds a Service from configuration. The remote tier is connected
// eagerly for the remote and hybrid strategies; a connection failure is an
// initialization error so misconfiguration fails fast.
func New(cfg config.CacheConfig, events *bus.Bus) (*Service, error) {
	s := &Service{
		strategy: cfg.Strategy,
		memory:   newMemoryTier(cfg.Memory.MaxEntries, time.Duration(cfg.Memory.TTLSeconds)*time.Second),
		events:   events,
		log:      logging.Get(logging.CategoryCache),
	}

	if cfg.Strategy == config.CacheRemote || cfg.Strategy == config.CacheHybrid {
		if cfg.Remote == nil {
			return nil, fmt.Errorf("%w: cache strategy %q requires remote configuration", types.ErrInvalidInput, cfg.Strategy)
		}
		remote, err := newRemoteTier(cfg.Remote.Host, cfg.Remote.TTLSeconds)
		if err != nil {
			return nil, err
		}
		s.remote = remote
	}

	s.initialized = true
	s.log.Info("cache initialized: strategy=%s max_entries=%d", cfg.Strategy, cfg.Memory.MaxEntries)
	return s, nil
}

// Get returns the cached value for key, or (nil, false) on a miss. Memory
// is consulted first for the hybrid strategy; a remote hit repopulates the
// memory tier with the remote-configured TTL.
func (s *Service) Get(ctx context.Context, key string) (interface{}, bool) {
	if s.strategy != config.CacheRemote {
		if v, ok := s.memory.get(key); ok {
			s.hits.Add(1)
			s.emit(bus.TopicCacheHit, Event{Key: key, Source: "memory"})
			return v, true
		}
	}

	if s.remote != nil {
		raw, ok, err := s.remote.get(ctx, key)
		if err != nil {
			s.log.Warn("remote get failed for %q: %v", key, err)
		} else if ok {
			s.hits.Add(1)
			if s.strategy == config.CacheHybrid {
				s.memory.set(key, raw, s.remote.ttl)
			}
			s.emit(bus.TopicCacheHit, Event{Key: key, Source: "remote"})
			return raw, true
		}
	}

	s.misses.Add(1)
	s.emit(bus.TopicCacheMiss, Event{Key: key})
	return nil, false
}

// Set stores value under key. Remote failures never abort the memory write.
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if s.strategy != config.CacheRemote {
		s.memory.set(key, value, ttl)
	}
	if s.remote != nil {
		if err := s.remote.set(ctx, key, value, ttl); err != nil {
			s.log.Warn("remote set failed for %q: %v", key, err)
		}
	}
	s.emit(bus.TopicCacheSet, Event{Key: key})
}

// Delete removes key from all tiers. Returns true if any tier held it.
func (s *Service) Delete(ctx context.Context, key string) bool {
	removed := s.memory.delete(key)
	if s.remote != nil {
		ok, err := s.remote.delete(ctx, key)
		if err != nil {
			s.log.Warn("remote delete failed for %q: %v", key, err)
		}
		removed = removed || ok
	}
	s.emit(bus.TopicCacheDelete, Event{Key: key})
	return removed
}

// Clear empties all tiers.
func (s *Service) Clear(ctx context.Context) {
	s.memory.clear()
	if s.remote != nil {
		if err := s.remote.clear(ctx); err != nil {
			s.log.Warn("remote clear failed: %v", err)
		}
	}
	s.emit(bus.TopicCacheClear, Event{})
}

// Stats returns cache counters and entry-age bounds.
func (s *Service) Stats() Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	oldest, newest := s.memory.ages()
	return Stats{
		Size:    s.memory.len(),
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
		Oldest:  oldest,
		Newest:  newest,
	}
}

// Healthy reports whether the cache is effective. An initialized cache with
// a hit rate below threshold after enough traffic is unhealthy.
func (s *Service) Healthy() bool {
	if !s.initialized {
		return false
	}
	st := s.Stats()
	if st.Hits+st.Misses > unhealthyMinRequests && st.HitRate < unhealthyHitRate {
		return false
	}
	return true
}

// Close releases the remote connection.
func (s *Service) Close() error {
	s.initialized = false
	if s.remote != nil {
		return s.remote.close()
	}
	return nil
}

func (s *Service) emit(topic string, ev Event) {
	if s.events != nil {
		s.events.Emit(topic, ev)
	}
}
