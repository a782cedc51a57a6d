package analyzer

import (
	"context"
	"time"

	"codelens/internal/db"
	"codelens/internal/types"
)

// ontologyLayer answers from the persisted concept store: symbol
// representations recorded by earlier analyses and watcher indexing.
type ontologyLayer struct {
	store  *db.Service
	budget time.Duration
}

// NewOntologyLayer builds the concept-store layer.
func NewOntologyLayer(store *db.Service, budget time.Duration) Layer {
	if budget <= 0 {
		budget = 10 * time.Millisecond
	}
	return &ontologyLayer{store: store, budget: budget}
}

func (l *ontologyLayer) Name() string          { return LayerOntology }
func (l *ontologyLayer) Budget() time.Duration { return l.budget }

func (l *ontologyLayer) Analyze(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	switch req.Operation {
	case types.OpFindDefinition, types.OpFindReferences:
		return l.lookup(ctx, req)
	case types.OpCompletion:
		return l.complete(ctx, req)
	}
	return nil, nil
}

// lookup maps recorded representations of the identifier to locations. For
// definitions only the earliest-seen site per concept is reported.
func (l *ontologyLayer) lookup(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	reps, err := l.store.SymbolsByName(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	if len(reps) == 0 {
		return nil, nil
	}

	if req.Operation == types.OpFindDefinition {
		earliest := make(map[string]db.SymbolRepresentation)
		for _, rep := range reps {
			if cur, ok := earliest[rep.ConceptID]; !ok || rep.FirstSeen < cur.FirstSeen {
				earliest[rep.ConceptID] = rep
			}
		}
		var locs []types.Location
		for _, rep := range earliest {
			locs = append(locs, types.Location{URI: rep.URI, Range: rep.Range})
		}
		return &Result{Locations: locs}, nil
	}

	var locs []types.Location
	for _, rep := range reps {
		locs = append(locs, types.Location{URI: rep.URI, Range: rep.Range})
	}
	return &Result{Locations: locs}, nil
}

func (l *ontologyLayer) complete(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	if req.Prefix == "" {
		return nil, nil
	}
	rows, err := l.store.Query(ctx, `
		SELECT canonical_name, COALESCE(category, '') AS category, confidence
		FROM concepts
		WHERE canonical_name LIKE ? || '%' AND canonical_name != ?
		ORDER BY confidence DESC, canonical_name
		LIMIT 20`, req.Prefix, req.Prefix)
	if err != nil {
		return nil, err
	}
	var items []types.CompletionItem
	for _, row := range rows {
		name, _ := row["canonical_name"].(string)
		category, _ := row["category"].(string)
		confidence, _ := row["confidence"].(float64)
		items = append(items, types.CompletionItem{
			Label:  name,
			Detail: category,
			Score:  20 * confidence, // known concepts outrank declarations
		})
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &Result{Items: items}, nil
}
