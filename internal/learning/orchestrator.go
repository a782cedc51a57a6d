package learning

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
	"codelens/internal/types"
)

// OperationType names a typed learn operation.
type OperationType string

const (
	OpPatternLearning       OperationType = "pattern_learning"
	OpFeedbackRecording     OperationType = "feedback_recording"
	OpEvolutionTracking     OperationType = "evolution_tracking"
	OpTeamSharing           OperationType = "team_sharing"
	OpComprehensiveAnalysis OperationType = "comprehensive_analysis"
)

func validOperation(op OperationType) bool {
	switch op {
	case OpPatternLearning, OpFeedbackRecording, OpEvolutionTracking, OpTeamSharing, OpComprehensiveAnalysis:
		return true
	}
	return false
}

// Correction is the pattern_learning payload.
type Correction struct {
	FeedbackID string `json:"feedback_id"`
	Original   string `json:"original"`
	Corrected  string `json:"corrected"`
}

// ShareInput is the team_sharing payload.
type ShareInput struct {
	Pattern       string   `json:"pattern"`
	ContributorID string   `json:"contributor_id"`
	Documentation string   `json:"documentation,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// LearnData carries the per-component slices of one learn call. Only the
// fields relevant to the operation need to be set.
type LearnData struct {
	Feedback   *Feedback         `json:"feedback,omitempty"`
	Correction *Correction       `json:"correction,omitempty"`
	FileChange *types.FileChange `json:"file_change,omitempty"`
	Event      *EvolutionEvent   `json:"event,omitempty"`
	Quality    *QualityMetrics   `json:"quality,omitempty"`
	Share      *ShareInput       `json:"share,omitempty"`
}

// Performance breaks a learn call's time down by component.
type Performance struct {
	TotalMs      int64            `json:"total_ms"`
	ComponentsMs map[string]int64 `json:"components_ms"`
}

// LearnResult is the outcome of one learn call or pipeline run. A failed
// component populates Errors and clears Success; it never aborts the rest.
type LearnResult struct {
	Success         bool                   `json:"success"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Insights        []Insight              `json:"insights,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
	Performance     Performance            `json:"performance"`
	Errors          []string               `json:"errors,omitempty"`
}

// Pipeline is a named recipe of operations run in order.
type Pipeline struct {
	ID    string          `json:"id"`
	Steps []OperationType `json:"steps"`
}

// PipelineStats tracks one pipeline's execution history.
type PipelineStats struct {
	Runs     int64 `json:"runs"`
	Failures int64 `json:"failures"`
	TotalMs  int64 `json:"total_ms"`
}

// HealthStatus grades the orchestrator.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Health aggregates per-component health and the operation error rate.
type Health struct {
	Status     HealthStatus    `json:"status"`
	Components map[string]bool `json:"components"`
	Operations int64           `json:"operations"`
	Failures   int64           `json:"failures"`
	ErrorRate  float64         `json:"error_rate"`
	InFlight   int             `json:"in_flight"`
}

// Orchestrator routes typed learning operations to the feedback loop,
// evolution tracker, and team knowledge manager under a concurrency cap.
// Calls above the cap fail fast rather than queue.
type Orchestrator struct {
	feedback *Loop
	tracker  *Tracker
	team     *Team
	store    *db.Service
	cache    *cache.Service
	events   *bus.Bus
	cfg      config.LearningConfig
	log      *logging.Logger

	slots chan struct{}

	mu         sync.Mutex
	pipelines  map[string]Pipeline
	pipeStats  map[string]*PipelineStats
	operations int64
	failures   int64
	enabled    map[string]bool
}

// NewOrchestrator wires the three learning components together.
func NewOrchestrator(feedback *Loop, tracker *Tracker, team *Team, store *db.Service, cacheSvc *cache.Service, events *bus.Bus, cfg config.LearningConfig) *Orchestrator {
	capSize := cfg.MaxConcurrentOperations
	if capSize <= 0 {
		capSize = 3
	}
	enabled := make(map[string]bool)
	for _, name := range cfg.EnabledComponents {
		enabled[name] = true
	}
	if len(enabled) == 0 {
		enabled["feedback"], enabled["evolution"], enabled["team"] = true, true, true
	}

	o := &Orchestrator{
		feedback:  feedback,
		tracker:   tracker,
		team:      team,
		store:     store,
		cache:     cacheSvc,
		events:    events,
		cfg:       cfg,
		log:       logging.Get(logging.CategoryLearning),
		slots:     make(chan struct{}, capSize),
		pipelines: make(map[string]Pipeline),
		pipeStats: make(map[string]*PipelineStats),
		enabled:   enabled,
	}
	o.RegisterPipeline(Pipeline{
		ID:    "pattern_feedback_cycle",
		Steps: []OperationType{OpFeedbackRecording, OpPatternLearning},
	})
	o.RegisterPipeline(Pipeline{
		ID:    "comprehensive_learning",
		Steps: []OperationType{OpFeedbackRecording, OpEvolutionTracking, OpTeamSharing, OpComprehensiveAnalysis},
	})
	return o
}

// RegisterPipeline adds or replaces a named pipeline.
func (o *Orchestrator) RegisterPipeline(p Pipeline) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pipelines[p.ID] = p
	if _, ok := o.pipeStats[p.ID]; !ok {
		o.pipeStats[p.ID] = &PipelineStats{}
	}
}

// acquire claims a concurrency slot without blocking.
func (o *Orchestrator) acquire() error {
	select {
	case o.slots <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("%w: %d learning operations already in flight", types.ErrCapacityExceeded, cap(o.slots))
	}
}

func (o *Orchestrator) release() {
	<-o.slots
}

// Learn runs one typed operation under the concurrency cap and the
// configured deadline.
func (o *Orchestrator) Learn(ctx context.Context, op OperationType, data LearnData) (*LearnResult, error) {
	if !validOperation(op) {
		return nil, fmt.Errorf("%w: unknown learn operation %q", types.ErrInvalidInput, op)
	}
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	if deadline := o.cfg.MaxLearningTime(); deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	result := o.dispatch(ctx, op, data)
	result.Performance.TotalMs = time.Since(start).Milliseconds()

	o.mu.Lock()
	o.operations++
	if !result.Success {
		o.failures++
	}
	o.mu.Unlock()
	return result, nil
}

// dispatch fans one operation out to its components. Component errors are
// collected, not propagated; the call reports success=false instead of
// failing.
func (o *Orchestrator) dispatch(ctx context.Context, op OperationType, data LearnData) *LearnResult {
	result := &LearnResult{
		Success:     true,
		Data:        make(map[string]interface{}),
		Performance: Performance{ComponentsMs: make(map[string]int64)},
	}

	run := func(component string, fn func() error) {
		if !o.enabled[component] {
			return
		}
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", component, types.ErrTimeout))
			return
		}
		start := time.Now()
		if err := fn(); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", component, err))
			o.log.Warn("%s component failed during %s: %v", component, op, err)
		}
		result.Performance.ComponentsMs[component] += time.Since(start).Milliseconds()
	}

	switch op {
	case OpFeedbackRecording:
		run("feedback", func() error {
			if data.Feedback == nil {
				return fmt.Errorf("%w: feedback payload required", types.ErrInvalidInput)
			}
			stored, err := o.feedback.Record(ctx, *data.Feedback)
			if err != nil {
				return err
			}
			result.Data["feedback_id"] = stored.ID
			return nil
		})

	case OpPatternLearning:
		run("feedback", func() error {
			if data.Correction == nil {
				return fmt.Errorf("%w: correction payload required", types.ErrInvalidInput)
			}
			similarity, err := o.feedback.LearnFromCorrection(ctx,
				data.Correction.FeedbackID, data.Correction.Original, data.Correction.Corrected)
			if err != nil {
				return err
			}
			result.Data["similarity"] = similarity
			return nil
		})

	case OpEvolutionTracking:
		run("evolution", func() error {
			switch {
			case data.FileChange != nil:
				ev, err := o.tracker.TrackFileChange(ctx, *data.FileChange)
				if err != nil {
					return err
				}
				result.Data["event_id"] = ev.ID
			case data.Event != nil:
				ev, err := o.tracker.Record(ctx, *data.Event)
				if err != nil {
					return err
				}
				result.Data["event_id"] = ev.ID
			case data.Quality != nil:
				return o.tracker.RecordQualityMetrics(ctx, *data.Quality)
			default:
				return fmt.Errorf("%w: evolution payload required", types.ErrInvalidInput)
			}
			return nil
		})

	case OpTeamSharing:
		run("team", func() error {
			if data.Share == nil {
				return fmt.Errorf("%w: share payload required", types.ErrInvalidInput)
			}
			sp, err := o.team.SharePattern(ctx, data.Share.Pattern, data.Share.ContributorID,
				data.Share.Documentation, data.Share.Tags)
			if err != nil {
				return err
			}
			result.Data["pattern_id"] = sp.ID
			return nil
		})

	case OpComprehensiveAnalysis:
		run("feedback", func() error {
			insights, err := o.feedback.Insights(ctx)
			if err != nil {
				return err
			}
			result.Insights = append(result.Insights, insights...)
			return nil
		})
		run("evolution", func() error {
			report, err := o.tracker.GenerateReport(ctx, 30*24*time.Hour)
			if err != nil {
				return err
			}
			result.Data["evolution_report"] = report
			result.Recommendations = append(result.Recommendations, report.Recommendations...)
			return nil
		})
		run("team", func() error {
			graph, err := o.team.Graph(ctx)
			if err != nil {
				return err
			}
			result.Data["knowledge_graph_nodes"] = len(graph.Nodes)
			result.Data["knowledge_graph_edges"] = len(graph.Edges)
			return nil
		})
	}
	return result
}

// ExecutePipeline runs a named pipeline's steps sequentially, aggregating
// timing and updating the pipeline's stats. A failed step does not stop
// the remaining steps.
func (o *Orchestrator) ExecutePipeline(ctx context.Context, id string, data LearnData) (*LearnResult, error) {
	o.mu.Lock()
	pipeline, ok := o.pipelines[id]
	stats := o.pipeStats[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown pipeline %q", types.ErrInvalidInput, id)
	}

	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	if deadline := o.cfg.MaxPipelineTime(); deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	combined := &LearnResult{
		Success:     true,
		Data:        make(map[string]interface{}),
		Performance: Performance{ComponentsMs: make(map[string]int64)},
	}

	for _, step := range pipeline.Steps {
		stepStart := time.Now()
		stepResult := o.dispatch(ctx, step, data)
		combined.Performance.ComponentsMs[string(step)] = time.Since(stepStart).Milliseconds()

		if !stepResult.Success {
			combined.Success = false
			combined.Errors = append(combined.Errors, stepResult.Errors...)
		}
		for k, v := range stepResult.Data {
			combined.Data[k] = v
		}
		combined.Insights = append(combined.Insights, stepResult.Insights...)
		combined.Recommendations = append(combined.Recommendations, stepResult.Recommendations...)
	}
	combined.Performance.TotalMs = time.Since(start).Milliseconds()

	o.mu.Lock()
	stats.Runs++
	stats.TotalMs += combined.Performance.TotalMs
	if !combined.Success {
		stats.Failures++
	}
	o.operations++
	if !combined.Success {
		o.failures++
	}
	o.mu.Unlock()
	return combined, nil
}

// Pipelines returns the registered pipeline ids with their stats.
func (o *Orchestrator) Pipelines() map[string]PipelineStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]PipelineStats, len(o.pipeStats))
	for id, stats := range o.pipeStats {
		out[id] = *stats
	}
	return out
}

// Maintenance purges events past retention, compacts caches, and emits the
// completion event.
func (o *Orchestrator) Maintenance(ctx context.Context) error {
	retention := time.Duration(o.cfg.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-retention).Unix()

	var purged int64
	for _, table := range []string{"learning_feedback", "evolution_events", "quality_metrics"} {
		col := "created_at"
		if table != "learning_feedback" {
			col = "timestamp"
		}
		res, err := o.store.Execute(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, col), cutoff)
		if err != nil {
			return fmt.Errorf("maintenance purge of %s: %w", table, err)
		}
		purged += res.Changes
	}

	if o.cache != nil {
		o.cache.Clear(ctx)
	}

	o.log.Info("learning maintenance done: purged=%d retention=%v", purged, retention)
	o.events.Emit(bus.TopicMaintenanceDone, map[string]interface{}{
		"purged": purged, "retention_days": int(retention.Hours() / 24),
	})
	return nil
}

// HealthReport aggregates component availability and the operation error
// rate into one verdict.
func (o *Orchestrator) HealthReport() Health {
	o.mu.Lock()
	operations, failures := o.operations, o.failures
	o.mu.Unlock()

	h := Health{
		Components: map[string]bool{
			"feedback":  o.feedback != nil && o.store.Initialized(),
			"evolution": o.tracker != nil && o.store.Initialized(),
			"team":      o.team != nil && o.store.Initialized(),
		},
		Operations: operations,
		Failures:   failures,
		InFlight:   len(o.slots),
	}
	if operations > 0 {
		h.ErrorRate = float64(failures) / float64(operations)
	}

	down := 0
	for _, ok := range h.Components {
		if !ok {
			down++
		}
	}
	switch {
	case down == len(h.Components) || h.ErrorRate > 0.5:
		h.Status = HealthCritical
	case down > 0 || h.ErrorRate > 0.1:
		h.Status = HealthDegraded
	default:
		h.Status = HealthHealthy
	}
	return h
}
