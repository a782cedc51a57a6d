package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/db"
	"codelens/internal/logging"
	"codelens/internal/monitor"
	"codelens/internal/types"
)

// ErrorEvent is the payload emitted on the analyzer error topic when a
// layer fails or times out.
type ErrorEvent struct {
	Layer     string `json:"layer"`
	Operation string `json:"operation"`
	Err       string `json:"error"`
	Timeout   bool   `json:"timeout"`
}

// Manager runs the ordered layer pipeline under per-layer budgets. A layer
// that exceeds its budget or errors becomes an abstention with an error
// event; it never fails the request when any layer contributed results.
type Manager struct {
	layers  []Layer
	events  *bus.Bus
	monitor *monitor.Service
	log     *logging.Logger
}

// NewManager builds a pipeline over the given layers in order.
func NewManager(events *bus.Bus, mon *monitor.Service, layers ...Layer) *Manager {
	return &Manager{
		layers:  layers,
		events:  events,
		monitor: mon,
		log:     logging.Get(logging.CategoryLayers),
	}
}

// DefaultLayers wires the standard five-layer pipeline. Budgets come from
// configuration; zero values fall back to the built-in defaults.
func DefaultLayers(files FileSource, parser ParseQuerier, store *db.Service, cfg config.LayersConfig) []Layer {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return []Layer{
		NewFastTextLayer(files, ms(cfg.FastTextBudgetMs)),
		NewStructuralLayer(files, parser, ms(cfg.StructuralBudgetMs)),
		NewOntologyLayer(store, ms(cfg.OntologyBudgetMs)),
		NewPatternLayer(store, files, ms(cfg.PatternBudgetMs)),
		NewPropagationLayer(store, ms(cfg.PropagationBudgetMs)),
	}
}

// Thresholds maps layer names to budget milliseconds for the metrics
// collector's health checks.
func (m *Manager) Thresholds() map[string]float64 {
	out := make(map[string]float64, len(m.layers))
	for _, l := range m.layers {
		out[l.Name()] = float64(l.Budget()) / float64(time.Millisecond)
	}
	return out
}

// LayerThresholds derives the health-check thresholds from configured
// budgets, applying the same fallbacks as DefaultLayers. Needed before the
// pipeline exists: the monitor is initialized first and the layers depend
// on services it watches.
func LayerThresholds(cfg config.LayersConfig) map[string]float64 {
	out := make(map[string]float64, 5)
	for _, l := range DefaultLayers(nil, nil, nil, cfg) {
		out[l.Name()] = float64(l.Budget()) / float64(time.Millisecond)
	}
	return out
}

type layerOutcome struct {
	result *Result
	err    error
}

// Execute dispatches the request through the pipeline and merges the
// contributions. An authoritative result short-circuits remaining layers.
func (m *Manager) Execute(ctx context.Context, req types.AnalysisRequest) (*types.AnalysisResponse, error) {
	acc := newAccumulator()
	var firstErr error

	for _, layer := range m.layers {
		if err := ctx.Err(); err != nil {
			break
		}

		start := time.Now()
		result, err := m.runOne(ctx, layer, req)
		elapsed := time.Since(start)

		attribution := types.LayerAttribution{Layer: layer.Name(), Duration: elapsed}
		errorCount := 0
		if err != nil {
			errorCount = 1
			attribution.Err = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			m.log.Warn("layer %s failed on %s: %v", layer.Name(), req.Operation, err)
			m.events.Emit(bus.TopicAnalyzerError, ErrorEvent{
				Layer:     layer.Name(),
				Operation: string(req.Operation),
				Err:       err.Error(),
				Timeout:   errors.Is(err, types.ErrTimeout) || errors.Is(err, context.DeadlineExceeded),
			})
			m.monitor.RecordError(layer.Name(), err.Error(), time.Now())
		} else {
			attribution.Contributed = acc.add(result)
		}
		acc.resp.Layers = append(acc.resp.Layers, attribution)

		m.monitor.RecordPerformance(monitor.Sample{
			Layer:      layer.Name(),
			Operation:  string(req.Operation),
			Duration:   elapsed,
			ErrorCount: errorCount,
		})

		if err == nil && result != nil && result.Authoritative && !result.empty() {
			break
		}
	}

	if !acc.hasResults() && firstErr != nil {
		return nil, firstErr
	}
	return acc.resp, nil
}

// runOne executes a single layer under its budget. The layer runs in its
// own goroutine so a stage that ignores cancellation cannot stall the
// pipeline past its budget.
func (m *Manager) runOne(ctx context.Context, layer Layer, req types.AnalysisRequest) (*Result, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, layer.Budget())
	defer cancel()

	done := make(chan layerOutcome, 1)
	go func() {
		r, err := layer.Analyze(budgetCtx, req)
		done <- layerOutcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: layer %s exceeded %v budget", types.ErrTimeout, layer.Name(), layer.Budget())
		}
		return out.result, out.err
	case <-budgetCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: layer %s exceeded %v budget", types.ErrTimeout, layer.Name(), layer.Budget())
	}
}
