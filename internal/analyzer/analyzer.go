package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"codelens/internal/bus"
	"codelens/internal/cache"
	"codelens/internal/logging"
	"codelens/internal/types"
)

// PerformanceEvent is the payload emitted on performance-recorded after
// each pipeline execution.
type PerformanceEvent struct {
	Operation   string        `json:"operation"`
	Fingerprint string        `json:"fingerprint"`
	Duration    time.Duration `json:"duration"`
	CacheHit    bool          `json:"cache_hit"`
}

// Analyzer is the request entrypoint: fingerprint, cache lookup, coalesced
// pipeline execution, cache store.
type Analyzer struct {
	manager *Manager
	cache   *cache.Service
	events  *bus.Bus
	ttl     time.Duration
	log     *logging.Logger

	group singleflight.Group
}

// New builds the analyzer core. ttl bounds how long responses stay cached;
// zero uses the cache tier default.
func New(manager *Manager, cacheSvc *cache.Service, events *bus.Bus, ttl time.Duration) *Analyzer {
	return &Analyzer{
		manager: manager,
		cache:   cacheSvc,
		events:  events,
		ttl:     ttl,
		log:     logging.Get(logging.CategoryAnalyzer),
	}
}

// Analyze runs one request through the pipeline. Concurrent requests with
// the same fingerprint share a single execution; each caller gets its own
// response copy so flags set per caller do not race.
func (a *Analyzer) Analyze(ctx context.Context, req types.AnalysisRequest) (*types.AnalysisResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	fp := Fingerprint(req)

	if v, ok := a.cache.Get(ctx, fp); ok {
		if resp, ok := decodeCached(v); ok {
			resp.CacheHit = true
			a.emitPerformance(req, fp, resp.Duration, true)
			return resp, nil
		}
		a.log.Warn("undecodable cache entry for %s; recomputing", fp)
	}

	v, err, _ := a.group.Do(fp, func() (interface{}, error) {
		start := time.Now()
		resp, err := a.manager.Execute(ctx, req)
		if err != nil {
			a.events.Emit(bus.TopicAnalyzerError, ErrorEvent{
				Operation: string(req.Operation),
				Err:       err.Error(),
			})
			return nil, err
		}
		resp.Duration = time.Since(start)
		a.cache.Set(ctx, fp, resp, a.ttl)
		a.emitPerformance(req, fp, resp.Duration, false)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	shared := v.(*types.AnalysisResponse)
	out := *shared
	return &out, nil
}

func (a *Analyzer) emitPerformance(req types.AnalysisRequest, fp string, d time.Duration, hit bool) {
	a.events.Emit(bus.TopicPerformanceRecorded, PerformanceEvent{
		Operation:   string(req.Operation),
		Fingerprint: fp,
		Duration:    d,
		CacheHit:    hit,
	})
}

// decodeCached normalizes a cache hit. Memory-tier hits hold the response
// pointer; remote-tier hits come back as raw JSON.
func decodeCached(v interface{}) (*types.AnalysisResponse, bool) {
	switch t := v.(type) {
	case *types.AnalysisResponse:
		out := *t
		return &out, true
	case json.RawMessage:
		var resp types.AnalysisResponse
		if err := json.Unmarshal(t, &resp); err != nil {
			return nil, false
		}
		return &resp, true
	case []byte:
		var resp types.AnalysisResponse
		if err := json.Unmarshal(t, &resp); err != nil {
			return nil, false
		}
		return &resp, true
	}
	return nil, false
}

func validate(req types.AnalysisRequest) error {
	if req.URI == "" {
		return fmt.Errorf("%w: uri required", types.ErrInvalidInput)
	}
	switch req.Operation {
	case types.OpFindDefinition, types.OpFindReferences:
		if req.Identifier == "" {
			return fmt.Errorf("%w: identifier required for %s", types.ErrInvalidInput, req.Operation)
		}
	case types.OpRename:
		if req.Identifier == "" || req.NewName == "" {
			return fmt.Errorf("%w: identifier and new_name required for rename", types.ErrInvalidInput)
		}
		if req.Identifier == req.NewName {
			return fmt.Errorf("%w: new_name equals current identifier", types.ErrInvalidInput)
		}
	case types.OpSuggestRefactoring:
	case types.OpCompletion:
		// Prefix is optional: layers abstain on an empty prefix.
	default:
		return fmt.Errorf("%w: unknown operation %q", types.ErrInvalidInput, req.Operation)
	}
	return nil
}
