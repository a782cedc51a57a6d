package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"codelens/internal/types"
)

// structuralLayer answers from parsed declarations. Definitions found here
// are authoritative; everything else is a partial contribution refined by
// later layers.
type structuralLayer struct {
	files  FileSource
	parser ParseQuerier
	budget time.Duration
}

// NewStructuralLayer builds the declaration-based layer.
func NewStructuralLayer(files FileSource, parser ParseQuerier, budget time.Duration) Layer {
	if budget <= 0 {
		budget = 50 * time.Millisecond
	}
	return &structuralLayer{files: files, parser: parser, budget: budget}
}

func (l *structuralLayer) Name() string          { return LayerStructural }
func (l *structuralLayer) Budget() time.Duration { return l.budget }

func (l *structuralLayer) Analyze(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	switch req.Operation {
	case types.OpFindDefinition:
		return l.definition(ctx, req)
	case types.OpFindReferences:
		return l.references(ctx, req)
	case types.OpRename:
		return l.rename(ctx, req)
	case types.OpSuggestRefactoring:
		return l.suggest(ctx, req)
	case types.OpCompletion:
		return l.complete(ctx, req)
	}
	return nil, nil
}

// definition looks for a declaration in the request file first, then the
// rest of the workspace.
func (l *structuralLayer) definition(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	if locs, err := l.declarations(ctx, req.URI, req.Identifier); err != nil {
		return nil, err
	} else if len(locs) > 0 {
		return &Result{Locations: locs, Authoritative: true}, nil
	}

	uris, err := l.files.Files(ctx)
	if err != nil {
		return nil, err
	}
	for _, uri := range uris {
		if uri == req.URI {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		locs, err := l.declarations(ctx, uri, req.Identifier)
		if err != nil {
			continue // skip unreadable files
		}
		if len(locs) > 0 {
			return &Result{Locations: locs, Authoritative: true}, nil
		}
	}
	return nil, nil
}

func (l *structuralLayer) declarations(ctx context.Context, uri, name string) ([]types.Location, error) {
	content, err := l.files.ReadFile(ctx, uri)
	if err != nil {
		return nil, err
	}
	symbols, err := l.parser.Symbols(ctx, uri, content)
	if err != nil {
		return nil, err
	}
	var locs []types.Location
	for _, sym := range symbols {
		if sym.Name == name {
			locs = append(locs, types.Location{URI: uri, Range: sym.Range})
		}
	}
	return locs, nil
}

// references scans the whole workspace for word-boundary occurrences,
// dropping declaration sites unless the request asks for them.
func (l *structuralLayer) references(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	uris, err := l.files.Files(ctx)
	if err != nil {
		return nil, err
	}

	var locs []types.Location
	for _, uri := range uris {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := l.files.ReadFile(ctx, uri)
		if err != nil {
			continue
		}
		found := occurrences(uri, content, req.Identifier)
		if len(found) == 0 {
			continue
		}
		if !req.IncludeDeclaration {
			symbols, perr := l.parser.Symbols(ctx, uri, content)
			if perr == nil {
				found = dropDeclarationSites(found, symbols, req.Identifier)
			}
		}
		locs = append(locs, found...)
	}
	if len(locs) == 0 {
		return nil, nil
	}
	return &Result{Locations: locs}, nil
}

func dropDeclarationSites(locs []types.Location, symbols []Symbol, name string) []types.Location {
	declLines := make(map[int]bool)
	for _, sym := range symbols {
		if sym.Name == name {
			declLines[sym.Range.Start.Line] = true
		}
	}
	out := locs[:0]
	for _, loc := range locs {
		if !declLines[loc.Range.Start.Line] {
			out = append(out, loc)
		}
	}
	return out
}

// rename emits workspace-wide edits. Partial: the propagation layer may add
// edits at recorded symbol sites the text scan cannot see.
func (l *structuralLayer) rename(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	uris, err := l.files.Files(ctx)
	if err != nil {
		return nil, err
	}
	var edits []types.Edit
	for _, uri := range uris {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := l.files.ReadFile(ctx, uri)
		if err != nil {
			continue
		}
		for _, loc := range occurrences(uri, content, req.Identifier) {
			edits = append(edits, types.Edit{URI: loc.URI, Range: loc.Range, NewText: req.NewName})
		}
	}
	if len(edits) == 0 {
		return nil, nil
	}
	return &Result{Edits: edits}, nil
}

// Functions spanning more lines than this get an extract-function
// suggestion.
const longFunctionLines = 60

func (l *structuralLayer) suggest(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	content, err := l.files.ReadFile(ctx, req.URI)
	if err != nil {
		return nil, err
	}
	symbols, err := l.parser.Symbols(ctx, req.URI, content)
	if err != nil {
		return nil, err
	}

	var fns []Symbol
	for _, sym := range symbols {
		if sym.Kind == "function" || sym.Kind == "method" {
			fns = append(fns, sym)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Range.Start.Line < fns[j].Range.Start.Line })

	totalLines := strings.Count(content, "\n") + 1
	var suggestions []types.Refactoring
	for i, fn := range fns {
		end := totalLines
		if i+1 < len(fns) {
			end = fns[i+1].Range.Start.Line
		}
		span := end - fn.Range.Start.Line
		if span <= longFunctionLines {
			continue
		}
		suggestions = append(suggestions, types.Refactoring{
			ID:          fmt.Sprintf("structural:extract-function:%s:%d", req.URI, fn.Range.Start.Line),
			Kind:        "extract-function",
			Description: fmt.Sprintf("%s spans ~%d lines (%s); consider extracting helpers", fn.Name, span, languageOf(req.URI)),
			URI:         req.URI,
			Range:       fn.Range,
			Confidence:  0.6,
		})
	}
	if len(suggestions) == 0 {
		return nil, nil
	}
	return &Result{Suggestions: suggestions}, nil
}

func (l *structuralLayer) complete(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	if req.Prefix == "" {
		return nil, nil
	}
	content, err := l.files.ReadFile(ctx, req.URI)
	if err != nil {
		return nil, err
	}
	symbols, err := l.parser.Symbols(ctx, req.URI, content)
	if err != nil {
		return nil, err
	}
	var items []types.CompletionItem
	for _, sym := range symbols {
		if sym.Name != req.Prefix && strings.HasPrefix(sym.Name, req.Prefix) {
			items = append(items, types.CompletionItem{
				Label:  sym.Name,
				Detail: sym.Signature,
				Score:  10, // declared symbols outrank raw text matches
			})
		}
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &Result{Items: items}, nil
}
