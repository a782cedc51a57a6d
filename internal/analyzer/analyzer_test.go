package analyzer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codelens/internal/bus"
	"codelens/internal/cache"
	"codelens/internal/config"
	"codelens/internal/monitor"
	"codelens/internal/types"
)

// fakeLayer is a scriptable pipeline stage.
type fakeLayer struct {
	name    string
	budget  time.Duration
	result  *Result
	err     error
	block   chan struct{} // when set, Analyze waits for close or ctx
	started chan struct{} // when set, closed once on first entry
	calls   atomic.Int64

	onceStart sync.Once
}

func (f *fakeLayer) Name() string          { return f.name }
func (f *fakeLayer) Budget() time.Duration { return f.budget }

func (f *fakeLayer) Analyze(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.onceStart.Do(func() { close(f.started) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func testCache(t *testing.T, events *bus.Bus) *cache.Service {
	t.Helper()
	c, err := cache.New(config.CacheConfig{
		Strategy: config.CacheMemory,
		Memory:   config.MemoryTierConfig{MaxEntries: 100, TTLSeconds: 60},
	}, events)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func oneLocation(uri string, line int) *Result {
	return &Result{Locations: []types.Location{{
		URI: uri, Range: types.Range{Start: types.Position{Line: line}},
	}}}
}

func TestManagerMergesPartialResults(t *testing.T) {
	events := bus.New()
	m := NewManager(events, monitor.New(events, nil),
		&fakeLayer{name: "a", budget: time.Second, result: oneLocation("file:///a.go", 1)},
		&fakeLayer{name: "b", budget: time.Second, result: oneLocation("file:///b.go", 2)},
	)

	resp, err := m.Execute(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindReferences, URI: "file:///a.go", Identifier: "x",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Locations, 2)
	require.Len(t, resp.Layers, 2)
	assert.True(t, resp.Layers[0].Contributed)
	assert.True(t, resp.Layers[1].Contributed)
}

func TestManagerAuthoritativeShortCircuits(t *testing.T) {
	events := bus.New()
	auth := oneLocation("file:///a.go", 1)
	auth.Authoritative = true
	second := &fakeLayer{name: "b", budget: time.Second, result: oneLocation("file:///b.go", 2)}
	m := NewManager(events, monitor.New(events, nil),
		&fakeLayer{name: "a", budget: time.Second, result: auth},
		second,
	)

	resp, err := m.Execute(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindDefinition, URI: "file:///a.go", Identifier: "x",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Locations, 1)
	assert.Equal(t, int64(0), second.calls.Load(), "later layers skipped")
}

func TestManagerBudgetTimeoutBecomesAbstention(t *testing.T) {
	events := bus.New()
	mon := monitor.New(events, nil)

	var errorEvents []ErrorEvent
	events.On(bus.TopicAnalyzerError, func(p interface{}) {
		errorEvents = append(errorEvents, p.(ErrorEvent))
	})

	slow := &fakeLayer{name: "slow", budget: 10 * time.Millisecond, block: make(chan struct{})}
	m := NewManager(events, mon,
		slow,
		&fakeLayer{name: "fast", budget: time.Second, result: oneLocation("file:///b.go", 2)},
	)

	resp, err := m.Execute(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindReferences, URI: "file:///a.go", Identifier: "x",
	})
	require.NoError(t, err, "timeout of one layer never fails a request with results")
	assert.Len(t, resp.Locations, 1)

	require.Len(t, errorEvents, 1)
	assert.Equal(t, "slow", errorEvents[0].Layer)
	assert.True(t, errorEvents[0].Timeout)

	require.Len(t, resp.Layers, 2)
	assert.NotEmpty(t, resp.Layers[0].Err)
	assert.False(t, resp.Layers[0].Contributed)

	assert.NotEmpty(t, mon.Stats().RecentErrors)
}

func TestManagerAllLayersFailSurfacesError(t *testing.T) {
	events := bus.New()
	boom := errors.New("boom")
	m := NewManager(events, monitor.New(events, nil),
		&fakeLayer{name: "a", budget: time.Second, err: boom},
	)

	_, err := m.Execute(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindReferences, URI: "file:///a.go", Identifier: "x",
	})
	assert.ErrorIs(t, err, boom)
}

func TestManagerThresholds(t *testing.T) {
	m := NewManager(bus.New(), monitor.New(bus.New(), nil),
		&fakeLayer{name: "a", budget: 5 * time.Millisecond},
		&fakeLayer{name: "b", budget: 50 * time.Millisecond},
	)
	assert.Equal(t, map[string]float64{"a": 5, "b": 50}, m.Thresholds())
}

func TestLayerThresholdsFollowConfiguredBudgets(t *testing.T) {
	th := LayerThresholds(config.LayersConfig{
		FastTextBudgetMs:   5,
		StructuralBudgetMs: 80,
		OntologyBudgetMs:   10,
		PatternBudgetMs:    10,
		// Propagation left zero: falls back to the built-in budget.
	})
	assert.Equal(t, map[string]float64{
		LayerFastText:    5,
		LayerStructural:  80,
		LayerOntology:    10,
		LayerPattern:     10,
		LayerPropagation: 20,
	}, th)
}

func TestAnalyzeValidatesRequests(t *testing.T) {
	events := bus.New()
	a := New(NewManager(events, monitor.New(events, nil)), testCache(t, events), events, 0)
	ctx := context.Background()

	cases := []types.AnalysisRequest{
		{Operation: types.OpFindDefinition, URI: ""},
		{Operation: types.OpFindDefinition, URI: "file:///a.go"},
		{Operation: types.OpRename, URI: "file:///a.go", Identifier: "x"},
		{Operation: types.OpRename, URI: "file:///a.go", Identifier: "x", NewName: "x"},
		{Operation: "bogus", URI: "file:///a.go"},
	}
	for _, req := range cases {
		_, err := a.Analyze(ctx, req)
		assert.ErrorIs(t, err, types.ErrInvalidInput, "request %+v", req)
	}
}

func TestAnalyzeCompletionAcceptsEmptyPrefix(t *testing.T) {
	events := bus.New()
	layer := &fakeLayer{name: "l", budget: time.Second}
	a := New(NewManager(events, monitor.New(events, nil), layer), testCache(t, events), events, 0)

	resp, err := a.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpCompletion,
		URI:       "file:///a.go",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Items, "layers abstain on an empty prefix")
}

func TestAnalyzeCachesResponses(t *testing.T) {
	events := bus.New()
	layer := &fakeLayer{name: "l", budget: time.Second, result: oneLocation("file:///a.go", 1)}
	a := New(NewManager(events, monitor.New(events, nil), layer), testCache(t, events), events, 0)
	ctx := context.Background()
	req := types.AnalysisRequest{Operation: types.OpFindDefinition, URI: "file:///a.go", Identifier: "x"}

	first, err := a.Analyze(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := a.Analyze(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Locations, second.Locations)
	assert.Equal(t, int64(1), layer.calls.Load(), "second request served from cache")
}

func TestAnalyzeSingleFlight(t *testing.T) {
	events := bus.New()
	layer := &fakeLayer{
		name:    "l",
		budget:  time.Second,
		result:  oneLocation("file:///a.go", 1),
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	a := New(NewManager(events, monitor.New(events, nil), layer), testCache(t, events), events, 0)
	req := types.AnalysisRequest{Operation: types.OpFindDefinition, URI: "file:///a.go", Identifier: "x"}

	type outcome struct {
		resp *types.AnalysisResponse
		err  error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := a.Analyze(context.Background(), req)
			results <- outcome{resp, err}
		}()
	}

	// Wait for the pipeline to start, give the second caller time to join
	// the in-flight execution, then release.
	<-layer.started
	time.Sleep(50 * time.Millisecond)
	close(layer.block)

	a1 := <-results
	a2 := <-results
	require.NoError(t, a1.err)
	require.NoError(t, a2.err)
	assert.Equal(t, a1.resp.Locations, a2.resp.Locations)
	assert.False(t, a1.resp.CacheHit)
	assert.False(t, a2.resp.CacheHit)
	assert.Equal(t, int64(1), layer.calls.Load(), "concurrent identical requests share one execution")
}

func TestAnalyzeEmitsPerformanceEvents(t *testing.T) {
	events := bus.New()
	perf := make(chan PerformanceEvent, 2)
	events.On(bus.TopicPerformanceRecorded, func(p interface{}) {
		perf <- p.(PerformanceEvent)
	})

	layer := &fakeLayer{name: "l", budget: time.Second, result: oneLocation("file:///a.go", 1)}
	a := New(NewManager(events, monitor.New(events, nil), layer), testCache(t, events), events, 0)
	req := types.AnalysisRequest{Operation: types.OpFindDefinition, URI: "file:///a.go", Identifier: "x"}

	_, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	ev := <-perf
	assert.False(t, ev.CacheHit)
	assert.Equal(t, "find-definition", ev.Operation)

	_, err = a.Analyze(context.Background(), req)
	require.NoError(t, err)
	ev = <-perf
	assert.True(t, ev.CacheHit)
}

func TestAnalyzeEndToEndOverRealLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib.go", "func Target() {}\n")
	uri := writeFile(t, dir, "main.go", "Target()\n")
	ws, err := NewWorkspace(dir)
	require.NoError(t, err)
	store := testDB(t)

	events := bus.New()
	cfg := config.Default().Layers
	// Generous budgets; CI schedulers make single-digit milliseconds flaky.
	cfg.FastTextBudgetMs = 500
	cfg.StructuralBudgetMs = 500
	cfg.OntologyBudgetMs = 500
	cfg.PatternBudgetMs = 500
	cfg.PropagationBudgetMs = 500

	m := NewManager(events, monitor.New(events, nil),
		DefaultLayers(ws, NewScanParser(), store, cfg)...)
	a := New(m, testCache(t, events), events, 0)

	resp, err := a.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindDefinition, URI: uri, Identifier: "Target",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Locations)
	assert.Contains(t, resp.Locations[0].URI, "lib.go")
}
