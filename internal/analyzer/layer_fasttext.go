package analyzer

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"codelens/internal/types"
)

// occurrences finds word-boundary matches of ident in content.
func occurrences(uri, content, ident string) []types.Location {
	if ident == "" {
		return nil
	}
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(ident) + `\b`)
	if err != nil {
		return nil
	}
	var out []types.Location
	for i, line := range strings.Split(content, "\n") {
		for _, m := range re.FindAllStringIndex(line, -1) {
			out = append(out, types.Location{
				URI: uri,
				Range: types.Range{
					Start: types.Position{Line: i, Character: m[0]},
					End:   types.Position{Line: i, Character: m[1]},
				},
			})
		}
	}
	return out
}

var identifierRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// fastTextLayer is the first pipeline stage: plain text scanning of the
// request file. Cheap and never authoritative.
type fastTextLayer struct {
	files  FileSource
	budget time.Duration
}

// NewFastTextLayer builds the text-scan layer.
func NewFastTextLayer(files FileSource, budget time.Duration) Layer {
	if budget <= 0 {
		budget = 5 * time.Millisecond
	}
	return &fastTextLayer{files: files, budget: budget}
}

func (l *fastTextLayer) Name() string          { return LayerFastText }
func (l *fastTextLayer) Budget() time.Duration { return l.budget }

func (l *fastTextLayer) Analyze(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	switch req.Operation {
	case types.OpFindReferences, types.OpRename, types.OpCompletion:
	default:
		return nil, nil
	}

	content, err := l.files.ReadFile(ctx, req.URI)
	if err != nil {
		return nil, err
	}

	switch req.Operation {
	case types.OpFindReferences:
		locs := occurrences(req.URI, content, req.Identifier)
		if len(locs) == 0 {
			return nil, nil
		}
		return &Result{Locations: locs}, nil

	case types.OpRename:
		var edits []types.Edit
		for _, loc := range occurrences(req.URI, content, req.Identifier) {
			edits = append(edits, types.Edit{URI: loc.URI, Range: loc.Range, NewText: req.NewName})
		}
		if len(edits) == 0 {
			return nil, nil
		}
		return &Result{Edits: edits}, nil

	case types.OpCompletion:
		return &Result{Items: l.complete(content, req.Prefix)}, nil
	}
	return nil, nil
}

// complete ranks identifiers in the file by frequency.
func (l *fastTextLayer) complete(content, prefix string) []types.CompletionItem {
	if prefix == "" {
		return nil
	}
	counts := make(map[string]int)
	for _, word := range identifierRe.FindAllString(content, -1) {
		if word != prefix && strings.HasPrefix(word, prefix) {
			counts[word]++
		}
	}
	items := make([]types.CompletionItem, 0, len(counts))
	for word, n := range counts {
		items = append(items, types.CompletionItem{
			Label:  word,
			Detail: "text match",
			Score:  float64(n),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Label < items[j].Label
	})
	if len(items) > 20 {
		items = items[:20]
	}
	return items
}
