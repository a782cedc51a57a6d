// Package bus implements the typed named-topic event bus used for
// cross-service wiring. Dispatch is synchronous and single-threaded within
// one Emit: the listener list is snapshotted under the lock, then handlers
// run in registration order outside the lock. Handlers registered during an
// emit only observe subsequent emits.
package bus

import (
	"sync"
	"sync/atomic"

	"codelens/internal/logging"
)

// Authoritative topic names.
const (
	TopicCacheHit             = "cache:hit"
	TopicCacheMiss            = "cache:miss"
	TopicCacheSet             = "cache:set"
	TopicCacheDelete          = "cache:delete"
	TopicCacheClear           = "cache:clear"
	TopicDBQueryError         = "database:query-error"
	TopicDBExecuteError       = "database:execute-error"
	TopicDBTransactionError   = "database:transaction-error"
	TopicFeedbackRecorded     = "feedback-recorded"
	TopicPatternShared        = "pattern:shared"
	TopicPatternValidated     = "pattern:validated"
	TopicPatternAdopted       = "pattern:adopted"
	TopicTeamPatternsSynced   = "team-patterns:synced"
	TopicTeamPatternsExported = "team-patterns:exported"
	TopicTeamPatternsImported = "team-patterns:imported"
	TopicEvolutionRecorded    = "evolution-event-recorded"
	TopicQualityRecorded      = "quality-metrics-recorded"
	TopicMetricsReport        = "monitoring:metrics-report"
	TopicHealthCheck          = "shared-services:health-check"
	TopicMaintenanceDone      = "learning-maintenance:completed"
	TopicPerformanceRecorded  = "performance-recorded"
	TopicAnalyzerError        = "error"
	TopicHandlerError         = "eventbus:handler-error"
)

// DefaultMaxListeners is the per-topic listener cap before warnings.
const DefaultMaxListeners = 100

// Handler receives an emitted payload.
type Handler func(payload interface{})

// Subscription identifies a registered handler so it can be removed.
// Function values are not comparable in Go, so Off takes the token returned
// by On/Once instead of the handler itself.
type Subscription uint64

// HandlerError is the payload emitted on TopicHandlerError when a handler
// panics during dispatch.
type HandlerError struct {
	Topic   string
	Err     interface{}
	Payload interface{}
}

type listener struct {
	id      Subscription
	handler Handler
	once    bool
}

// Bus is a typed named-topic publish/subscribe dispatcher.
type Bus struct {
	mu           sync.Mutex
	topics       map[string][]listener
	nextID       uint64
	maxListeners int

	emits atomic.Int64
	log   *logging.Logger
}

// New creates a Bus with the default listener cap.
func New() *Bus {
	return NewWithMaxListeners(DefaultMaxListeners)
}

// NewWithMaxListeners creates a Bus with a custom per-topic listener cap.
func NewWithMaxListeners(max int) *Bus {
	if max <= 0 {
		max = DefaultMaxListeners
	}
	return &Bus{
		topics:       make(map[string][]listener),
		maxListeners: max,
		log:          logging.Get(logging.CategoryBus),
	}
}

// On registers a handler for a topic and returns its subscription token.
// Exceeding the listener cap logs a warning but never drops the
// registration.
func (b *Bus) On(topic string, handler Handler) Subscription {
	return b.register(topic, handler, false)
}

// Once registers a handler that is removed after its first invocation.
func (b *Bus) Once(topic string, handler Handler) Subscription {
	return b.register(topic, handler, true)
}

func (b *Bus) register(topic string, handler Handler, once bool) Subscription {
	if handler == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := Subscription(b.nextID)
	b.topics[topic] = append(b.topics[topic], listener{id: id, handler: handler, once: once})

	if n := len(b.topics[topic]); n > b.maxListeners {
		b.log.Warn("topic %q has %d listeners (max %d)", topic, n, b.maxListeners)
	}
	return id
}

// Off removes the subscription from the topic. Returns true if it was found.
func (b *Bus) Off(topic string, sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.topics[topic]
	for i, l := range ls {
		if l.id == sub {
			b.topics[topic] = append(ls[:i:i], ls[i+1:]...)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			return true
		}
	}
	return false
}

// Emit synchronously dispatches payload to every handler registered on the
// topic at the time of the call. A panicking handler does not prevent the
// remaining handlers from running; the failure is surfaced on
// TopicHandlerError unless the failing topic is TopicHandlerError itself,
// in which case it is only logged.
func (b *Bus) Emit(topic string, payload interface{}) {
	b.mu.Lock()
	ls := b.topics[topic]
	snapshot := make([]listener, len(ls))
	copy(snapshot, ls)

	// Drop once-listeners before dispatch so re-entrant emits do not run
	// them twice.
	if hasOnce(ls) {
		kept := ls[:0]
		for _, l := range ls {
			if !l.once {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = kept
		}
	}
	b.mu.Unlock()

	b.emits.Add(1)

	for _, l := range snapshot {
		b.dispatch(topic, l.handler, payload)
	}
}

func hasOnce(ls []listener) bool {
	for _, l := range ls {
		if l.once {
			return true
		}
	}
	return false
}

func (b *Bus) dispatch(topic string, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			if topic == TopicHandlerError {
				b.log.Error("handler panic on %s (swallowed): %v", topic, r)
				return
			}
			b.log.Error("handler panic on %s: %v", topic, r)
			b.Emit(TopicHandlerError, HandlerError{Topic: topic, Err: r, Payload: payload})
		}
	}()
	h(payload)
}

// ListenerCount returns the number of handlers registered on a topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Topics returns the names of all topics with at least one listener.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		names = append(names, topic)
	}
	return names
}

// RemoveAll removes every listener on the topic, or on every topic when
// topic is empty.
func (b *Bus) RemoveAll(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if topic == "" {
		b.topics = make(map[string][]listener)
		return
	}
	delete(b.topics, topic)
}

// EmitCount returns the total number of emits since creation.
func (b *Bus) EmitCount() int64 {
	return b.emits.Load()
}
