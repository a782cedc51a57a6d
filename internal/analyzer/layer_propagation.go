package analyzer

import (
	"context"
	"time"

	"codelens/internal/db"
	"codelens/internal/types"
)

// propagationLayer widens results through the concept graph: recorded
// representations the text scan cannot see, and related concepts reached
// over high-confidence relationships.
type propagationLayer struct {
	store  *db.Service
	budget time.Duration
}

const propagationMinConfidence = 0.5

// NewPropagationLayer builds the graph-propagation layer.
func NewPropagationLayer(store *db.Service, budget time.Duration) Layer {
	if budget <= 0 {
		budget = 20 * time.Millisecond
	}
	return &propagationLayer{store: store, budget: budget}
}

func (l *propagationLayer) Name() string          { return LayerPropagation }
func (l *propagationLayer) Budget() time.Duration { return l.budget }

func (l *propagationLayer) Analyze(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	switch req.Operation {
	case types.OpFindReferences:
		return l.references(ctx, req)
	case types.OpRename:
		return l.rename(ctx, req)
	}
	return nil, nil
}

// references adds sites of concepts related to the identifier's concepts.
func (l *propagationLayer) references(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	reps, err := l.store.SymbolsByName(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}

	var locs []types.Location
	seen := make(map[string]bool)
	for _, rep := range reps {
		if seen[rep.ConceptID] {
			continue
		}
		seen[rep.ConceptID] = true

		rels, err := l.store.RelatedConcepts(ctx, rep.ConceptID)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if rel.Confidence < propagationMinConfidence {
				continue
			}
			related, err := l.store.SymbolsByConcept(ctx, rel.TargetConceptID)
			if err != nil {
				return nil, err
			}
			for _, r := range related {
				locs = append(locs, types.Location{URI: r.URI, Range: r.Range})
			}
		}
	}
	if len(locs) == 0 {
		return nil, nil
	}
	return &Result{Locations: locs}, nil
}

// rename adds edits at recorded sites of the identifier itself. Files the
// workspace scan missed (unsaved indexes, moved files) still get edits if
// the ontology recorded them.
func (l *propagationLayer) rename(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	reps, err := l.store.SymbolsByName(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	var edits []types.Edit
	for _, rep := range reps {
		edits = append(edits, types.Edit{URI: rep.URI, Range: rep.Range, NewText: req.NewName})
	}
	if len(edits) == 0 {
		return nil, nil
	}
	return &Result{Edits: edits}, nil
}
