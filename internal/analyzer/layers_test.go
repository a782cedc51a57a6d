package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/db"
	"codelens/internal/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return FileURI(path)
}

func testDB(t *testing.T) *db.Service {
	t.Helper()
	store, err := db.New(config.DatabaseConfig{
		Path:              filepath.Join(t.TempDir(), "analyzer.db"),
		MaxConnections:    4,
		BusyTimeoutMs:     5000,
		EnableWAL:         true,
		EnableForeignKeys: true,
	}, bus.New())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestScanParserFindsDeclarations(t *testing.T) {
	content := "package main\n\ntype Widget struct {\n}\n\nfunc MakeWidget(n int) *Widget {\n\treturn nil\n}\n\nvar defaultWidget = MakeWidget(1)\n"
	symbols, err := NewScanParser().Symbols(context.Background(), "file:///w.go", content)
	require.NoError(t, err)

	names := make(map[string]string)
	for _, s := range symbols {
		names[s.Name] = s.Kind
	}
	assert.Equal(t, "type", names["Widget"])
	assert.Equal(t, "function", names["MakeWidget"])
	assert.Equal(t, "variable", names["defaultWidget"])
}

func TestScanParserMethodReceivers(t *testing.T) {
	content := "func (w *Widget) Resize(n int) {}\n"
	symbols, err := NewScanParser().Symbols(context.Background(), "file:///w.go", content)
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	assert.Equal(t, "Resize", symbols[0].Name)
}

func TestWorkspaceReadAndList(t *testing.T) {
	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "sub/b.py", "x = 1\n")
	writeFile(t, dir, "node_modules/skip.js", "ignored")
	writeFile(t, dir, "notes.txt", "not source")

	ws, err := NewWorkspace(dir)
	require.NoError(t, err)

	content, err := ws.ReadFile(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "package a\n", content)

	files, err := ws.Files(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 2, "txt and ignored dirs are excluded")
}

func TestWorkspaceInvalidate(t *testing.T) {
	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "v1")
	ws, err := NewWorkspace(dir)
	require.NoError(t, err)

	_, err = ws.ReadFile(context.Background(), uri)
	require.NoError(t, err)

	// Rewrite without a modtime change visible; invalidate forces a re-read.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("v2"), 0o644))
	ws.Invalidate(uri)
	content, err := ws.ReadFile(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "v2", content)
}

func TestWorkspaceRejectsMissingRoot(t *testing.T) {
	_, err := NewWorkspace(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestFastTextReferences(t *testing.T) {
	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "foo()\nbar(foo, foobar)\n")
	ws, _ := NewWorkspace(dir)
	layer := NewFastTextLayer(ws, time.Second)

	r, err := layer.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindReferences, URI: uri, Identifier: "foo",
	})
	require.NoError(t, err)
	require.NotNil(t, r)
	// foobar does not match the word boundary.
	assert.Len(t, r.Locations, 2)
	assert.False(t, r.Authoritative)
}

func TestFastTextRenameEdits(t *testing.T) {
	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "foo = foo + 1\n")
	ws, _ := NewWorkspace(dir)
	layer := NewFastTextLayer(ws, time.Second)

	r, err := layer.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpRename, URI: uri, Identifier: "foo", NewName: "bar",
	})
	require.NoError(t, err)
	require.Len(t, r.Edits, 2)
	assert.Equal(t, "bar", r.Edits[0].NewText)
}

func TestFastTextCompletionRankedByFrequency(t *testing.T) {
	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "handleGet handleGet handleGet handlePost\n")
	ws, _ := NewWorkspace(dir)
	layer := NewFastTextLayer(ws, time.Second)

	r, err := layer.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpCompletion, URI: uri, Prefix: "handle",
	})
	require.NoError(t, err)
	require.Len(t, r.Items, 2)
	assert.Equal(t, "handleGet", r.Items[0].Label)
}

func TestFastTextAbstainsOnDefinition(t *testing.T) {
	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "foo\n")
	ws, _ := NewWorkspace(dir)
	layer := NewFastTextLayer(ws, time.Second)

	r, err := layer.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindDefinition, URI: uri, Identifier: "foo",
	})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestStructuralDefinitionAuthoritative(t *testing.T) {
	dir := t.TempDir()
	other := writeFile(t, dir, "lib.go", "func Target() {}\n")
	uri := writeFile(t, dir, "main.go", "Target()\n")
	ws, _ := NewWorkspace(dir)
	layer := NewStructuralLayer(ws, NewScanParser(), time.Second)

	r, err := layer.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindDefinition, URI: uri, Identifier: "Target",
	})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Authoritative)
	require.Len(t, r.Locations, 1)
	assert.Equal(t, other, r.Locations[0].URI)
}

func TestStructuralReferencesExcludeDeclaration(t *testing.T) {
	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "func Target() {}\n\nTarget()\nTarget()\n")
	ws, _ := NewWorkspace(dir)
	layer := NewStructuralLayer(ws, NewScanParser(), time.Second)

	r, err := layer.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindReferences, URI: uri, Identifier: "Target",
	})
	require.NoError(t, err)
	assert.Len(t, r.Locations, 2)

	r, err = layer.Analyze(context.Background(), types.AnalysisRequest{
		Operation: types.OpFindReferences, URI: uri, Identifier: "Target", IncludeDeclaration: true,
	})
	require.NoError(t, err)
	assert.Len(t, r.Locations, 3)
}

func TestOntologyDefinitionFromStore(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertConcept(ctx, db.Concept{ID: "c1", CanonicalName: "Target", Confidence: 0.9}))
	require.NoError(t, store.RecordSymbol(ctx, db.SymbolRepresentation{
		ConceptID: "c1", Name: "Target", URI: "file:///lib.go",
		Range: types.Range{Start: types.Position{Line: 3}, End: types.Position{Line: 3, Character: 6}},
	}))

	layer := NewOntologyLayer(store, time.Second)
	r, err := layer.Analyze(ctx, types.AnalysisRequest{
		Operation: types.OpFindDefinition, URI: "file:///main.go", Identifier: "Target",
	})
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Len(t, r.Locations, 1)
	assert.Equal(t, "file:///lib.go", r.Locations[0].URI)
}

func TestOntologyCompletionFromConcepts(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertConcept(ctx, db.Concept{ID: "c1", CanonicalName: "handleRequest", Confidence: 0.9, Category: "function"}))
	require.NoError(t, store.UpsertConcept(ctx, db.Concept{ID: "c2", CanonicalName: "handleError", Confidence: 0.4}))

	layer := NewOntologyLayer(store, time.Second)
	r, err := layer.Analyze(ctx, types.AnalysisRequest{
		Operation: types.OpCompletion, URI: "file:///main.go", Prefix: "handle",
	})
	require.NoError(t, err)
	require.Len(t, r.Items, 2)
	assert.Equal(t, "handleRequest", r.Items[0].Label, "higher confidence first")
	assert.Equal(t, "function", r.Items[0].Detail, "detail carries the concept category")
	assert.Equal(t, "", r.Items[1].Detail)
}

func TestPatternSuggestions(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	_, err := store.Execute(ctx, `
		INSERT INTO patterns (id, from_template, to_template, confidence, occurrences, category, created_at)
		VALUES ('p1', 'errors.New(fmt.Sprintf', 'fmt.Errorf', 0.8, 4, 'idiom', 1)`)
	require.NoError(t, err)

	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "x := errors.New(fmt.Sprintf(\"bad %d\", n))\n")
	ws, _ := NewWorkspace(dir)

	layer := NewPatternLayer(store, ws, time.Second)
	r, err := layer.Analyze(ctx, types.AnalysisRequest{Operation: types.OpSuggestRefactoring, URI: uri})
	require.NoError(t, err)
	require.Len(t, r.Suggestions, 1)
	assert.Equal(t, "p1", r.Suggestions[0].ID)
	assert.Equal(t, "idiom", r.Suggestions[0].Kind, "kind carries the pattern category")
	assert.Equal(t, 0.8, r.Suggestions[0].Confidence)
}

func TestPatternBelowFloorNotSuggested(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	_, err := store.Execute(ctx, `
		INSERT INTO patterns (id, from_template, to_template, confidence, occurrences, created_at)
		VALUES ('weak', 'foo', 'bar', 0.2, 1, 1)`)
	require.NoError(t, err)

	dir := t.TempDir()
	uri := writeFile(t, dir, "a.go", "foo\n")
	ws, _ := NewWorkspace(dir)

	layer := NewPatternLayer(store, ws, time.Second)
	r, err := layer.Analyze(ctx, types.AnalysisRequest{Operation: types.OpSuggestRefactoring, URI: uri})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestPropagationAddsRelatedReferences(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertConcept(ctx, db.Concept{ID: "src", CanonicalName: "Parser", Confidence: 0.9}))
	require.NoError(t, store.UpsertConcept(ctx, db.Concept{ID: "dst", CanonicalName: "Lexer", Confidence: 0.9}))
	require.NoError(t, store.RecordSymbol(ctx, db.SymbolRepresentation{
		ConceptID: "src", Name: "Parser", URI: "file:///p.go",
		Range: types.Range{Start: types.Position{Line: 1}, End: types.Position{Line: 1, Character: 6}},
	}))
	require.NoError(t, store.RecordSymbol(ctx, db.SymbolRepresentation{
		ConceptID: "dst", Name: "Lexer", URI: "file:///l.go",
		Range: types.Range{Start: types.Position{Line: 2}, End: types.Position{Line: 2, Character: 5}},
	}))
	require.NoError(t, store.UpsertRelationship(ctx, db.ConceptRelationship{
		SourceConceptID: "src", TargetConceptID: "dst", RelationshipType: "uses", Confidence: 0.9,
	}))

	layer := NewPropagationLayer(store, time.Second)
	r, err := layer.Analyze(ctx, types.AnalysisRequest{
		Operation: types.OpFindReferences, URI: "file:///p.go", Identifier: "Parser",
	})
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Len(t, r.Locations, 1)
	assert.Equal(t, "file:///l.go", r.Locations[0].URI)
}

func TestPropagationSkipsWeakRelationships(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertConcept(ctx, db.Concept{ID: "src", CanonicalName: "A", Confidence: 0.9}))
	require.NoError(t, store.UpsertConcept(ctx, db.Concept{ID: "dst", CanonicalName: "B", Confidence: 0.9}))
	require.NoError(t, store.RecordSymbol(ctx, db.SymbolRepresentation{
		ConceptID: "src", Name: "A", URI: "file:///a.go",
	}))
	require.NoError(t, store.RecordSymbol(ctx, db.SymbolRepresentation{
		ConceptID: "dst", Name: "B", URI: "file:///b.go",
	}))
	require.NoError(t, store.UpsertRelationship(ctx, db.ConceptRelationship{
		SourceConceptID: "src", TargetConceptID: "dst", RelationshipType: "uses", Confidence: 0.2,
	}))

	layer := NewPropagationLayer(store, time.Second)
	r, err := layer.Analyze(ctx, types.AnalysisRequest{
		Operation: types.OpFindReferences, URI: "file:///a.go", Identifier: "A",
	})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestMergeDeduplicates(t *testing.T) {
	loc := types.Location{URI: "u", Range: types.Range{Start: types.Position{Line: 1}}}
	acc := newAccumulator()

	assert.True(t, acc.add(&Result{Locations: []types.Location{loc}}))
	assert.False(t, acc.add(&Result{Locations: []types.Location{loc}}), "duplicate location dropped")
	assert.Len(t, acc.resp.Locations, 1)

	sug := types.Refactoring{ID: "p1"}
	assert.True(t, acc.add(&Result{Suggestions: []types.Refactoring{sug}}))
	assert.False(t, acc.add(&Result{Suggestions: []types.Refactoring{{ID: "p1", Confidence: 0.9}}}))
	assert.Len(t, acc.resp.Suggestions, 1)
}

func TestFingerprintFieldRelevance(t *testing.T) {
	base := types.AnalysisRequest{Operation: types.OpFindDefinition, URI: "file:///a.go", Identifier: "x"}

	same := base
	same.NewName = "irrelevant-for-definition"
	assert.Equal(t, Fingerprint(base), Fingerprint(same))

	diff := base
	diff.Identifier = "y"
	assert.NotEqual(t, Fingerprint(base), Fingerprint(diff))

	otherOp := base
	otherOp.Operation = types.OpFindReferences
	assert.NotEqual(t, Fingerprint(base), Fingerprint(otherOp))
}
