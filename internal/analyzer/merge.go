package analyzer

import (
	"codelens/internal/types"
)

// accumulator merges layer results into one response. Identity rules:
// locations and edits by their (uri, range) tuple, suggestions by id, and
// completion items by label. The first layer to contribute an item wins;
// later duplicates are dropped.
type accumulator struct {
	resp *types.AnalysisResponse

	seenLoc  map[types.Location]bool
	seenEdit map[types.Location]bool
	seenSug  map[string]bool
	seenItem map[string]bool
}

func newAccumulator() *accumulator {
	return &accumulator{
		resp:     &types.AnalysisResponse{},
		seenLoc:  make(map[types.Location]bool),
		seenEdit: make(map[types.Location]bool),
		seenSug:  make(map[string]bool),
		seenItem: make(map[string]bool),
	}
}

// add folds a layer result in. Returns true if anything new landed.
func (a *accumulator) add(r *Result) bool {
	if r == nil {
		return false
	}
	added := false
	for _, loc := range r.Locations {
		if !a.seenLoc[loc] {
			a.seenLoc[loc] = true
			a.resp.Locations = append(a.resp.Locations, loc)
			added = true
		}
	}
	for _, edit := range r.Edits {
		key := types.Location{URI: edit.URI, Range: edit.Range}
		if !a.seenEdit[key] {
			a.seenEdit[key] = true
			a.resp.Edits = append(a.resp.Edits, edit)
			added = true
		}
	}
	for _, sug := range r.Suggestions {
		if !a.seenSug[sug.ID] {
			a.seenSug[sug.ID] = true
			a.resp.Suggestions = append(a.resp.Suggestions, sug)
			added = true
		}
	}
	for _, item := range r.Items {
		if !a.seenItem[item.Label] {
			a.seenItem[item.Label] = true
			a.resp.Items = append(a.resp.Items, item)
			added = true
		}
	}
	return added
}

func (a *accumulator) hasResults() bool {
	return len(a.resp.Locations) > 0 || len(a.resp.Edits) > 0 ||
		len(a.resp.Suggestions) > 0 || len(a.resp.Items) > 0
}
