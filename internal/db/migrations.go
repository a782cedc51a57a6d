package db

import (
	"database/sql"
	"fmt"

	"codelens/internal/logging"
)

// migration adds a column to an existing table. Migrations are idempotent
// and forward-only; databases created by older builds pick up missing
// columns here without a rebuild.
type migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []migration{
	// Feedback decision metadata (added after the initial release).
	{"learning_feedback", "time_to_decision_ms", "INTEGER"},
	{"learning_feedback", "metadata", "TEXT"},
	// Shared-pattern rollup counters.
	{"shared_patterns", "success_rate", "REAL NOT NULL DEFAULT 0"},
	// Evolution event diff sizing.
	{"evolution_events", "diff_size", "INTEGER NOT NULL DEFAULT 0"},
}

// runMigrations applies column migrations for databases created by older
// schema versions. Failures on individual columns are non-fatal: the column
// may already exist under a compatible definition.
func runMigrations(db *sql.DB) error {
	log := logging.Get(logging.CategoryDB)
	applied := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			log.Warn("migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		applied++
	}

	// v2: legacy databases carried a `type` alias column on
	// evolution_events mirroring event_type. SQLite cannot drop columns on
	// old versions, so the alias is kept in place but no longer written;
	// fresh databases never create it.
	if columnExists(db, "evolution_events", "type") {
		log.Warn("evolution_events has legacy `type` alias column; new writes populate event_type only")
	}

	if applied > 0 {
		log.Info("applied %d column migrations", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
