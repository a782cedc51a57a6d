package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/db"
	"codelens/internal/types"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *db.Service, *bus.Bus) {
	t.Helper()
	store, events := newTestStore(t)
	cfg := config.Default()
	loop := NewLoop(store, events, cfg.Feedback)
	tracker := NewTracker(store, events, cfg.Evolution)
	t.Cleanup(tracker.WaitForDetection)
	team := NewTeam(store, events, cfg.Team)
	return NewOrchestrator(loop, tracker, team, store, nil, events, cfg.Learning), store, events
}

func TestLearnRejectsUnknownOperation(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	_, err := orch.Learn(context.Background(), "mind_reading", LearnData{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestLearnDispatchesFeedback(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t)

	result, err := orch.Learn(context.Background(), OpFeedbackRecording, LearnData{
		Feedback: &Feedback{Type: FeedbackAccept, SuggestionID: "s1", Confidence: 0.5},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Data["feedback_id"])
	assert.Contains(t, result.Performance.ComponentsMs, "feedback")

	rows, err := store.Query(context.Background(), "SELECT id FROM learning_feedback")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLearnDispatchesEvolution(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t)

	result, err := orch.Learn(context.Background(), OpEvolutionTracking, LearnData{
		FileChange: &types.FileChange{Path: "src/a.ts", Type: types.ChangeCreated},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Data["event_id"])

	rows, err := store.Query(context.Background(), "SELECT id FROM evolution_events")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLearnComponentFailureDoesNotThrow(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	// Missing payload: the component fails, the call reports it.
	result, err := orch.Learn(context.Background(), OpFeedbackRecording, LearnData{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "feedback")
}

func TestLearnConcurrencyCapFailsFast(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	// Occupy every slot; the next attempt must fail immediately, not queue.
	for i := 0; i < cap(orch.slots); i++ {
		require.NoError(t, orch.acquire())
	}

	start := time.Now()
	_, err := orch.Learn(context.Background(), OpFeedbackRecording, LearnData{
		Feedback: &Feedback{Type: FeedbackAccept, SuggestionID: "s1"},
	})
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)
	assert.Less(t, time.Since(start), time.Second)

	for i := 0; i < cap(orch.slots); i++ {
		orch.release()
	}
}

func TestComprehensiveAnalysis(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	result, err := orch.Learn(context.Background(), OpComprehensiveAnalysis, LearnData{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Data, "evolution_report")
	assert.NotEmpty(t, result.Recommendations)
}

func TestExecutePipeline(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	fb := &Feedback{Type: FeedbackModify, SuggestionID: "s1", Original: "getUserName"}
	stored, err := orch.Learn(ctx, OpFeedbackRecording, LearnData{Feedback: fb})
	require.NoError(t, err)

	result, err := orch.ExecutePipeline(ctx, "pattern_feedback_cycle", LearnData{
		Feedback: &Feedback{Type: FeedbackModify, SuggestionID: "s2", Original: "getUserName"},
		Correction: &Correction{
			FeedbackID: stored.Data["feedback_id"].(string),
			Original:   "getUserName",
			Corrected:  "getUsername",
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Performance.ComponentsMs, string(OpFeedbackRecording))
	assert.Contains(t, result.Performance.ComponentsMs, string(OpPatternLearning))
	assert.Contains(t, result.Data, "similarity")

	stats := orch.Pipelines()
	assert.Equal(t, int64(1), stats["pattern_feedback_cycle"].Runs)
	assert.Equal(t, int64(0), stats["pattern_feedback_cycle"].Failures)
}

func TestExecutePipelineContinuesPastFailures(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	// Empty data fails the first two steps; comprehensive_analysis still
	// runs and contributes.
	result, err := orch.ExecutePipeline(context.Background(), "comprehensive_learning", LearnData{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Data, "evolution_report")
}

func TestExecutePipelineUnknownID(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	_, err := orch.ExecutePipeline(context.Background(), "nope", LearnData{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestMaintenancePurgesAndEmits(t *testing.T) {
	orch, store, events := newTestOrchestrator(t)
	ctx := context.Background()

	var completed int
	events.On(bus.TopicMaintenanceDone, func(interface{}) { completed++ })

	old := time.Now().Add(-60 * 24 * time.Hour).Unix()
	_, err := store.Execute(ctx, `
		INSERT INTO learning_feedback (id, feedback_type, suggestion_id, accepted, confidence, created_at)
		VALUES ('old', 'accept', 's', 1, 0.5, ?)`, old)
	require.NoError(t, err)
	_, err = store.Execute(ctx,
		"INSERT INTO evolution_events (id, event_type, timestamp, file) VALUES ('old', 'file_created', ?, 'f')", old)
	require.NoError(t, err)

	require.NoError(t, orch.Maintenance(ctx))
	assert.Equal(t, 1, completed)

	for _, table := range []string{"learning_feedback", "evolution_events"} {
		rows, err := store.Query(ctx, "SELECT 1 FROM "+table)
		require.NoError(t, err)
		assert.Empty(t, rows, "%s must be purged past retention", table)
	}
}

func TestHealthAggregation(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t)

	h := orch.HealthReport()
	assert.Equal(t, HealthHealthy, h.Status)

	// Failed operations degrade the verdict.
	for i := 0; i < 2; i++ {
		result, err := orch.Learn(context.Background(), OpFeedbackRecording, LearnData{})
		require.NoError(t, err)
		require.False(t, result.Success)
	}
	h = orch.HealthReport()
	assert.NotEqual(t, HealthHealthy, h.Status)
	assert.Equal(t, int64(2), h.Failures)

	// A dead store is critical.
	require.NoError(t, store.Close())
	h = orch.HealthReport()
	assert.Equal(t, HealthCritical, h.Status)
}
