package db

import (
	"database/sql"
	"fmt"
	"time"

	"codelens/internal/logging"
)

// Schema versions:
// v1: initial schema (concepts, symbols, relationships, patterns, feedback,
//     evolution, quality, team).
// v2: dropped the legacy `type` alias column on evolution_events; event_type
//     is the only discriminator column on new databases.
const CurrentSchemaVersion = 2

// knownTables is the set reported by Stats.
var knownTables = []string{
	"concepts",
	"symbol_representations",
	"concept_relationships",
	"evolution_history",
	"patterns",
	"learning_feedback",
	"feedback_corrections",
	"evolution_events",
	"evolution_patterns",
	"quality_metrics",
	"team_members",
	"shared_patterns",
}

// Timestamps are integer epoch seconds; metadata/evidence/examples are
// self-describing JSON text blobs.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS concepts (
		id TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL,
		signature_fingerprint TEXT,
		confidence REAL NOT NULL DEFAULT 0.5,
		category TEXT,
		is_interface INTEGER NOT NULL DEFAULT 0,
		is_abstract INTEGER NOT NULL DEFAULT 0,
		is_deprecated INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_concepts_name ON concepts(canonical_name);
	CREATE INDEX IF NOT EXISTS idx_concepts_category ON concepts(category);`,

	`CREATE TABLE IF NOT EXISTS symbol_representations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		concept_id TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		uri TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		start_character INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		end_character INTEGER NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		occurrences INTEGER NOT NULL DEFAULT 1,
		context TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_concept ON symbol_representations(concept_id);
	CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbol_representations(name);
	CREATE INDEX IF NOT EXISTS idx_symbols_uri ON symbol_representations(uri);`,

	`CREATE TABLE IF NOT EXISTS concept_relationships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_concept_id TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		target_concept_id TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		relationship_type TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		evidence TEXT,
		UNIQUE(source_concept_id, target_concept_id, relationship_type)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_source ON concept_relationships(source_concept_id);
	CREATE INDEX IF NOT EXISTS idx_rel_target ON concept_relationships(target_concept_id);`,

	`CREATE TABLE IF NOT EXISTS evolution_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		concept_id TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		change_kind TEXT NOT NULL,
		detail TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evo_history_concept ON evolution_history(concept_id);`,

	`CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		from_template TEXT NOT NULL,
		to_template TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		occurrences INTEGER NOT NULL DEFAULT 0,
		category TEXT,
		last_applied INTEGER,
		created_at INTEGER NOT NULL,
		examples TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_category ON patterns(category);`,

	`CREATE TABLE IF NOT EXISTS learning_feedback (
		id TEXT PRIMARY KEY,
		feedback_type TEXT NOT NULL,
		suggestion_id TEXT NOT NULL,
		pattern_id TEXT,
		original TEXT,
		final TEXT,
		accepted INTEGER NOT NULL DEFAULT 0,
		file TEXT,
		operation TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		source TEXT,
		time_to_decision_ms INTEGER,
		created_at INTEGER NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_pattern ON learning_feedback(pattern_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON learning_feedback(created_at);`,

	`CREATE TABLE IF NOT EXISTS feedback_corrections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feedback_id TEXT NOT NULL REFERENCES learning_feedback(id) ON DELETE CASCADE,
		original TEXT NOT NULL,
		corrected TEXT NOT NULL,
		similarity REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_corrections_feedback ON feedback_corrections(feedback_id);`,

	`CREATE TABLE IF NOT EXISTS evolution_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		file TEXT NOT NULL,
		before_snapshot TEXT,
		after_snapshot TEXT,
		commit_hash TEXT,
		author TEXT,
		branch TEXT,
		message TEXT,
		files_affected INTEGER NOT NULL DEFAULT 0,
		symbols_affected INTEGER NOT NULL DEFAULT 0,
		tests_affected INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL DEFAULT 'low',
		diff_size INTEGER NOT NULL DEFAULT 0,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_evo_events_type ON evolution_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_evo_events_file ON evolution_events(file);
	CREATE INDEX IF NOT EXISTS idx_evo_events_ts ON evolution_events(timestamp);`,

	`CREATE TABLE IF NOT EXISTS evolution_patterns (
		id TEXT PRIMARY KEY,
		pattern_type TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		frequency INTEGER NOT NULL,
		confidence REAL NOT NULL,
		examples TEXT,
		characteristics TEXT,
		detected_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evo_patterns_type ON evolution_patterns(pattern_type);`,

	`CREATE TABLE IF NOT EXISTS quality_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		cyclomatic REAL NOT NULL DEFAULT 0,
		cognitive REAL NOT NULL DEFAULT 0,
		halstead REAL NOT NULL DEFAULT 0,
		dup_lines INTEGER NOT NULL DEFAULT 0,
		dup_blocks INTEGER NOT NULL DEFAULT 0,
		dup_percent REAL NOT NULL DEFAULT 0,
		deps_internal INTEGER NOT NULL DEFAULT 0,
		deps_external INTEGER NOT NULL DEFAULT 0,
		deps_circular INTEGER NOT NULL DEFAULT 0,
		coverage_lines REAL NOT NULL DEFAULT 0,
		coverage_branches REAL NOT NULL DEFAULT 0,
		coverage_functions REAL NOT NULL DEFAULT 0,
		maintainability_index REAL NOT NULL DEFAULT 0,
		debt_hours REAL NOT NULL DEFAULT 0,
		hotspots TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_quality_ts ON quality_metrics(timestamp);`,

	`CREATE TABLE IF NOT EXISTS team_members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'developer',
		expertise TEXT,
		joined_at INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		sharing_level TEXT NOT NULL DEFAULT 'team',
		receive_suggestions INTEGER NOT NULL DEFAULT 1,
		auto_sync INTEGER NOT NULL DEFAULT 0
	);`,

	`CREATE TABLE IF NOT EXISTS shared_patterns (
		id TEXT PRIMARY KEY,
		pattern TEXT NOT NULL,
		contributor_id TEXT NOT NULL,
		documentation TEXT,
		tags TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		validations TEXT,
		adoptions TEXT,
		validation_count INTEGER NOT NULL DEFAULT 0,
		adoption_count INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_shared_status ON shared_patterns(status);
	CREATE INDEX IF NOT EXISTS idx_shared_contributor ON shared_patterns(contributor_id);`,
}

// installSchema creates missing tables, applies column migrations, and
// records the schema version.
func (s *Service) installSchema() error {
	timer := logging.StartTimer(logging.CategoryDB, "installSchema")
	defer timer.Stop()

	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if err := runMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := recordSchemaVersion(s.db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns the latest applied version.
func (s *Service) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

func recordSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().Unix())
	return err
}
