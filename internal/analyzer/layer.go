// Package analyzer implements the layered query pipeline: five ordered
// layers behind a uniform request contract, a manager that enforces
// per-layer budgets, and the core that adds fingerprint-keyed caching and
// single-flight coalescing on top.
package analyzer

import (
	"context"
	"time"

	"codelens/internal/types"
)

// Layer names are stable; they appear in metrics and layer attribution.
const (
	LayerFastText    = "fast-text"
	LayerStructural  = "structural"
	LayerOntology    = "ontology"
	LayerPattern     = "pattern"
	LayerPropagation = "propagation"
)

// Result is a layer's contribution to a request. A nil Result means the
// layer abstained. Authoritative results short-circuit the pipeline;
// partial results are merged with later layers.
type Result struct {
	Locations     []types.Location
	Edits         []types.Edit
	Suggestions   []types.Refactoring
	Items         []types.CompletionItem
	Authoritative bool
}

func (r *Result) empty() bool {
	return r == nil ||
		(len(r.Locations) == 0 && len(r.Edits) == 0 && len(r.Suggestions) == 0 && len(r.Items) == 0)
}

// Layer is one analyzer in the pipeline. Analyze must respect ctx; the
// manager cancels it when the layer's budget elapses.
type Layer interface {
	Name() string
	Budget() time.Duration
	Analyze(ctx context.Context, req types.AnalysisRequest) (*Result, error)
}

// FileSource provides workspace file access to layers. The analyzer core
// does not own file watching; it only reads on demand.
type FileSource interface {
	ReadFile(ctx context.Context, uri string) (string, error)
	Files(ctx context.Context) ([]string, error)
}

// Symbol is a declared name discovered by a parser.
type Symbol struct {
	Name      string
	Kind      string // function | type | variable | field
	Range     types.Range
	Signature string
}

// ParseQuerier is the language-agnostic parse-query capability consumed by
// the structural layer. Tree-sitter-backed implementations plug in here;
// the built-in implementation is a declaration-pattern scanner.
type ParseQuerier interface {
	Symbols(ctx context.Context, uri, content string) ([]Symbol, error)
}
