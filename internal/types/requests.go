// Package types defines the core request and response shapes shared by every
// protocol adapter (LSP, MCP, REST, CLI). Adapters translate their wire
// envelopes into these shapes; the analyzer pipeline is the single source of
// truth for the results, so result identity is protocol-independent.
package types

import "time"

// Position is a zero-based line/character location in a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location identifies a span in a document.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// Edit is a textual replacement at a location.
type Edit struct {
	URI     string `json:"uri"`
	Range   Range  `json:"range"`
	NewText string `json:"new_text"`
}

// Operation names the analyzer operations. They participate in the request
// fingerprint, so the strings are stable.
type Operation string

const (
	OpFindDefinition     Operation = "find-definition"
	OpFindReferences     Operation = "find-references"
	OpRename             Operation = "rename"
	OpSuggestRefactoring Operation = "suggest-refactoring"
	OpCompletion         Operation = "completion"
)

// AnalysisRequest is the uniform core request dispatched through the layer
// pipeline. Not every field is meaningful for every operation; the
// fingerprint only folds in the fields relevant to the operation.
type AnalysisRequest struct {
	Operation          Operation `json:"operation"`
	Identifier         string    `json:"identifier,omitempty"`
	URI                string    `json:"uri"`
	Position           Position  `json:"position"`
	IncludeDeclaration bool      `json:"include_declaration,omitempty"`
	NewName            string    `json:"new_name,omitempty"`
	Prefix             string    `json:"prefix,omitempty"`
}

// Refactoring is a structural improvement suggestion.
type Refactoring struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	URI         string  `json:"uri"`
	Range       Range   `json:"range"`
	Confidence  float64 `json:"confidence"`
}

// CompletionItem is a single completion candidate.
type CompletionItem struct {
	Label  string  `json:"label"`
	Detail string  `json:"detail,omitempty"`
	Score  float64 `json:"score"`
}

// LayerAttribution records which layer contributed to a response and how
// long it took.
type LayerAttribution struct {
	Layer       string        `json:"layer"`
	Duration    time.Duration `json:"duration"`
	Contributed bool          `json:"contributed"`
	Err         string        `json:"error,omitempty"`
}

// AnalysisResponse is the uniform core response. Exactly one of the payload
// slices is populated depending on the operation.
type AnalysisResponse struct {
	Locations   []Location         `json:"data,omitempty"`
	Edits       []Edit             `json:"changes,omitempty"`
	Suggestions []Refactoring      `json:"suggestions,omitempty"`
	Items       []CompletionItem   `json:"items,omitempty"`
	CacheHit    bool               `json:"cache_hit"`
	Duration    time.Duration      `json:"duration_ms"`
	Layers      []LayerAttribution `json:"layer_attribution,omitempty"`
}

// ChangeType classifies a workspace file change for evolution tracking.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// FileSnapshot captures one side of a file change.
type FileSnapshot struct {
	Path         string   `json:"path"`
	Content      string   `json:"content,omitempty"`
	Signature    string   `json:"signature,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// FileChange is the core TrackFileChange request shape.
type FileChange struct {
	Path    string        `json:"path"`
	Type    ChangeType    `json:"change_type"`
	Before  *FileSnapshot `json:"before,omitempty"`
	After   *FileSnapshot `json:"after,omitempty"`
	Context ChangeContext `json:"context"`
}

// ChangeContext carries VCS attribution for a file change.
type ChangeContext struct {
	Commit  string `json:"commit,omitempty"`
	Author  string `json:"author,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Message string `json:"message,omitempty"`
}
