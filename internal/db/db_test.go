package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/types"
)

func testConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	return config.DatabaseConfig{
		Path:              filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:    4,
		BusyTimeoutMs:     5000,
		EnableWAL:         true,
		EnableForeignKeys: true,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(testConfig(t), bus.New())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNewInstallsSchema(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)

	for _, table := range knownTables {
		if _, ok := stats.Tables[table]; !ok {
			t.Errorf("stats missing table %s", table)
		}
	}
	assert.Equal(t, CurrentSchemaVersion, stats.SchemaVersion)
}

func TestInitializeDisposeRepeatable(t *testing.T) {
	cfg := testConfig(t)
	for i := 0; i < 3; i++ {
		svc, err := New(cfg, bus.New())
		require.NoError(t, err)
		require.NoError(t, svc.Close())
		require.NoError(t, svc.Close(), "double close must be safe")
		assert.False(t, svc.Initialized())
	}
}

func TestQueryAndExecute(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.Execute(ctx,
		"INSERT INTO patterns (id, from_template, to_template, confidence, occurrences, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		"P1", "for(;;)", "range", 0.5, 1, time.Now().Unix())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Changes)

	rows, err := svc.Query(ctx, "SELECT id, confidence FROM patterns WHERE id = ?", "P1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "P1", rows[0]["id"])
}

func TestOperationsFailWhenNotInitialized(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Close())
	ctx := context.Background()

	_, err := svc.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, types.ErrNotInitialized)
	_, err = svc.Execute(ctx, "SELECT 1")
	assert.ErrorIs(t, err, types.ErrNotInitialized)
	assert.ErrorIs(t, svc.Transaction(ctx, func(*Tx) error { return nil }), types.ErrNotInitialized)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := svc.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.Execute(ctx,
			"INSERT INTO patterns (id, from_template, to_template, created_at) VALUES (?, ?, ?, ?)",
			"P1", "a", "b", time.Now().Unix())
		require.NoError(t, err)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	rows, err := svc.Query(ctx, "SELECT id FROM patterns")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTxQueryDispatchesSelectAndWrite(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Query(ctx,
			"INSERT INTO patterns (id, from_template, to_template, created_at) VALUES ('P1', 'a', 'b', 0)"); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, "SELECT id FROM patterns")
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			return fmt.Errorf("expected 1 row inside tx, got %d", len(rows))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestForeignKeyCascade(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpsertConcept(ctx, Concept{ID: "c1", CanonicalName: "Foo", Confidence: 0.8}))
	require.NoError(t, svc.RecordSymbol(ctx, SymbolRepresentation{
		ConceptID: "c1", Name: "Foo", URI: "file:///a.ts",
		Range: types.Range{Start: types.Position{Line: 1}, End: types.Position{Line: 1, Character: 3}},
	}))

	require.NoError(t, svc.DeleteConcept(ctx, "c1"))

	rows, err := svc.Query(ctx, "SELECT id FROM symbol_representations")
	require.NoError(t, err)
	assert.Empty(t, rows, "symbol rows must cascade on concept delete")
}

func TestInsertWithFKValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now().Unix()

	// Parent absent, default provided: parent is created first.
	res, err := svc.InsertWithFKValidation(ctx, "symbol_representations",
		map[string]interface{}{
			"concept_id": "c9", "name": "Bar", "uri": "file:///b.ts",
			"start_line": 2, "start_character": 0, "end_line": 2, "end_character": 3,
			"first_seen": now, "last_seen": now,
		},
		[]FKRef{{
			Table: "concepts", Column: "id", Value: "c9",
			DefaultRecord: map[string]interface{}{
				"id": "c9", "canonical_name": "Bar", "created_at": now, "updated_at": now,
			},
		}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Changes)

	c, err := svc.GetConcept(ctx, "c9")
	require.NoError(t, err)
	require.NotNil(t, c)

	// Parent absent, no default: surfaced as an FK violation.
	_, err = svc.InsertWithFKValidation(ctx, "symbol_representations",
		map[string]interface{}{
			"concept_id": "missing", "name": "X", "uri": "u",
			"start_line": 0, "start_character": 0, "end_line": 0, "end_character": 0,
			"first_seen": now, "last_seen": now,
		},
		[]FKRef{{Table: "concepts", Column: "id", Value: "missing"}})
	assert.ErrorIs(t, err, types.ErrFKViolation)
}

func TestInsertPartsOrdersColumns(t *testing.T) {
	cols, marks, vals := insertParts(map[string]interface{}{
		"c": 3, "a": 1, "b": 2,
	})
	assert.Equal(t, "a, b, c", cols)
	assert.Equal(t, "?, ?, ?", marks)
	assert.Equal(t, []interface{}{1, 2, 3}, vals)
}

func TestExecuteEmitsRetryEventsOnFKViolation(t *testing.T) {
	events := bus.New()
	svc, err := New(testConfig(t), events)
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	var emitted []ErrorEvent
	events.On(bus.TopicDBExecuteError, func(p interface{}) {
		emitted = append(emitted, p.(ErrorEvent))
	})

	_, err = svc.Execute(ctx, `
		INSERT INTO symbol_representations
			(concept_id, name, uri, start_line, start_character, end_line, end_character, first_seen, last_seen)
		VALUES ('nope', 'n', 'u', 0, 0, 0, 0, 0, 0)`)
	require.ErrorIs(t, err, types.ErrFKViolation)

	// First attempt is flagged retryable (upstream fixer may repair the
	// parent), the second is terminal.
	require.GreaterOrEqual(t, len(emitted), 2)
	assert.Equal(t, 1, emitted[0].Attempt)
	assert.True(t, emitted[0].Retryable)
	assert.False(t, emitted[len(emitted)-1].Retryable)
}

func TestBackupRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.UpsertConcept(ctx, Concept{
			ID: fmt.Sprintf("c%d", i), CanonicalName: fmt.Sprintf("C%d", i), Confidence: 0.5,
		}))
	}

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, svc.Backup(ctx, backupPath))

	restored, err := New(config.DatabaseConfig{
		Path: backupPath, MaxConnections: 2, BusyTimeoutMs: 5000,
		EnableWAL: true, EnableForeignKeys: true,
	}, bus.New())
	require.NoError(t, err)
	defer restored.Close()

	srcStats, err := svc.Stats(ctx)
	require.NoError(t, err)
	dstStats, err := restored.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcStats.Tables, dstStats.Tables)
}

func TestUpsertConceptBumpsUpdatedAt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpsertConcept(ctx, Concept{ID: "c1", CanonicalName: "A", Confidence: 0.5}))
	first, err := svc.GetConcept(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, svc.UpsertConcept(ctx, Concept{ID: "c1", CanonicalName: "B", Confidence: 0.9}))
	second, err := svc.GetConcept(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, "B", second.CanonicalName)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "created_at is immutable")
	assert.GreaterOrEqual(t, second.UpdatedAt, first.UpdatedAt)
}

func TestUpsertConceptValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.UpsertConcept(ctx, Concept{ID: "", CanonicalName: "A"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	err = svc.UpsertConcept(ctx, Concept{ID: "x", CanonicalName: "A", Confidence: 1.5})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestSymbolOccurrenceAccumulates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpsertConcept(ctx, Concept{ID: "c1", CanonicalName: "Foo", Confidence: 0.5}))
	rep := SymbolRepresentation{
		ConceptID: "c1", Name: "Foo", URI: "file:///a.ts",
		Range: types.Range{Start: types.Position{Line: 3, Character: 1}, End: types.Position{Line: 3, Character: 4}},
	}
	require.NoError(t, svc.RecordSymbol(ctx, rep))
	require.NoError(t, svc.RecordSymbol(ctx, rep))

	reps, err := svc.SymbolsByName(ctx, "Foo")
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, int64(2), reps[0].Occurrences)
}

func TestRelationshipTripleUnique(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpsertConcept(ctx, Concept{ID: "a", CanonicalName: "A", Confidence: 0.5}))
	require.NoError(t, svc.UpsertConcept(ctx, Concept{ID: "b", CanonicalName: "B", Confidence: 0.5}))

	rel := ConceptRelationship{SourceConceptID: "a", TargetConceptID: "b", RelationshipType: "calls", Confidence: 0.4}
	require.NoError(t, svc.UpsertRelationship(ctx, rel))
	rel.Confidence = 0.9
	require.NoError(t, svc.UpsertRelationship(ctx, rel))

	rels, err := svc.RelatedConcepts(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 0.9, rels[0].Confidence)
}

func TestMaintenancePurgesOldEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour).Unix()
	recent := time.Now().Unix()
	for i, ts := range []int64{old, recent} {
		_, err := svc.Execute(ctx, `
			INSERT INTO evolution_events (id, event_type, timestamp, file)
			VALUES (?, 'file_created', ?, 'f.go')`, fmt.Sprintf("e%d", i), ts)
		require.NoError(t, err)
	}

	require.NoError(t, svc.Maintenance(ctx, 30*24*time.Hour))

	rows, err := svc.Query(ctx, "SELECT id FROM evolution_events")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "e1", rows[0]["id"])
}
