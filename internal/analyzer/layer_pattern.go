package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codelens/internal/db"
	"codelens/internal/types"
)

// patternLayer matches learned rewrite patterns against the request file.
// Pattern confidence is maintained by the feedback loop; only patterns
// above the floor are suggested.
type patternLayer struct {
	store  *db.Service
	files  FileSource
	budget time.Duration
}

const patternConfidenceFloor = 0.5

// NewPatternLayer builds the learned-pattern layer.
func NewPatternLayer(store *db.Service, files FileSource, budget time.Duration) Layer {
	if budget <= 0 {
		budget = 10 * time.Millisecond
	}
	return &patternLayer{store: store, files: files, budget: budget}
}

func (l *patternLayer) Name() string          { return LayerPattern }
func (l *patternLayer) Budget() time.Duration { return l.budget }

func (l *patternLayer) Analyze(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	switch req.Operation {
	case types.OpSuggestRefactoring:
		return l.suggest(ctx, req)
	case types.OpCompletion:
		return l.complete(ctx, req)
	}
	return nil, nil
}

func (l *patternLayer) suggest(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	content, err := l.files.ReadFile(ctx, req.URI)
	if err != nil {
		return nil, err
	}
	rows, err := l.store.Query(ctx, `
		SELECT id, from_template, to_template, confidence, COALESCE(category, '') AS category
		FROM patterns
		WHERE confidence >= ?
		ORDER BY confidence DESC
		LIMIT 25`, patternConfidenceFloor)
	if err != nil {
		return nil, err
	}

	var suggestions []types.Refactoring
	lines := strings.Split(content, "\n")
	for _, row := range rows {
		id, _ := row["id"].(string)
		from, _ := row["from_template"].(string)
		to, _ := row["to_template"].(string)
		confidence, _ := row["confidence"].(float64)
		category, _ := row["category"].(string)
		if from == "" {
			continue
		}
		line, col := findInLines(lines, from)
		if line < 0 {
			continue
		}
		kind := category
		if kind == "" {
			kind = "pattern"
		}
		suggestions = append(suggestions, types.Refactoring{
			ID:          id,
			Kind:        kind,
			Description: fmt.Sprintf("replace %q with %q", from, to),
			URI:         req.URI,
			Range: types.Range{
				Start: types.Position{Line: line, Character: col},
				End:   types.Position{Line: line, Character: col + len(from)},
			},
			Confidence: confidence,
		})
	}
	if len(suggestions) == 0 {
		return nil, nil
	}
	return &Result{Suggestions: suggestions}, nil
}

func findInLines(lines []string, needle string) (int, int) {
	for i, line := range lines {
		if idx := strings.Index(line, needle); idx >= 0 {
			return i, idx
		}
	}
	return -1, -1
}

func (l *patternLayer) complete(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	if req.Prefix == "" {
		return nil, nil
	}
	rows, err := l.store.Query(ctx, `
		SELECT to_template, confidence FROM patterns
		WHERE to_template LIKE ? || '%' AND confidence >= ?
		ORDER BY confidence DESC
		LIMIT 10`, req.Prefix, patternConfidenceFloor)
	if err != nil {
		return nil, err
	}
	var items []types.CompletionItem
	for _, row := range rows {
		to, _ := row["to_template"].(string)
		confidence, _ := row["confidence"].(float64)
		items = append(items, types.CompletionItem{
			Label:  to,
			Detail: "learned pattern",
			Score:  15 * confidence,
		})
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &Result{Items: items}, nil
}
