package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"codelens/internal/logging"
	"codelens/internal/types"
)

// Stats reports row counts per known table plus pool and file state.
type Stats struct {
	Tables        map[string]int64 `json:"tables"`
	FileSizeBytes int64            `json:"file_size_bytes"`
	SchemaVersion int              `json:"schema_version"`
	PoolOpen      int              `json:"pool_open"`
	PoolInUse     int              `json:"pool_in_use"`
	PoolIdle      int              `json:"pool_idle"`
}

// Stats computes database statistics. Missing tables are skipped so the
// call works across schema versions.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if !s.initialized {
		return Stats{}, types.ErrNotInitialized
	}

	timer := logging.StartTimer(logging.CategoryDB, "Stats")
	defer timer.Stop()

	out := Stats{Tables: make(map[string]int64, len(knownTables))}
	for _, table := range knownTables {
		var count int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.DBDebug("table %s count failed (may not exist): %v", table, err)
			continue
		}
		out.Tables[table] = count
	}

	if s.path != ":memory:" {
		if fi, err := os.Stat(s.path); err == nil {
			out.FileSizeBytes = fi.Size()
		}
	}

	version, err := s.SchemaVersion()
	if err != nil {
		return out, fmt.Errorf("failed to read schema version: %w", err)
	}
	out.SchemaVersion = version

	dbStats := s.db.Stats()
	out.PoolOpen = dbStats.OpenConnections
	out.PoolInUse = dbStats.InUse
	out.PoolIdle = dbStats.Idle
	return out, nil
}

// Backup snapshots the database into path using VACUUM INTO, which produces
// a consistent copy even with WAL enabled.
func (s *Service) Backup(ctx context.Context, path string) error {
	if !s.initialized {
		return types.ErrNotInitialized
	}
	if path == "" {
		return fmt.Errorf("backup path required")
	}
	if _, err := os.Stat(path); err == nil {
		// VACUUM INTO refuses to overwrite; match that behavior up front.
		return fmt.Errorf("backup target already exists: %s", path)
	}

	timer := logging.StartTimer(logging.CategoryDB, "Backup")
	defer timer.Stop()

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	s.log.Info("database backed up to %s", path)
	return nil
}

// Maintenance reclaims space, refreshes planner statistics, and purges
// learning events older than the retention window.
func (s *Service) Maintenance(ctx context.Context, retention time.Duration) error {
	if !s.initialized {
		return types.ErrNotInitialized
	}

	timer := logging.StartTimer(logging.CategoryDB, "Maintenance")
	defer timer.Stop()

	cutoff := time.Now().Add(-retention).Unix()
	for _, stmt := range []string{
		"DELETE FROM learning_feedback WHERE created_at < " + fmt.Sprintf("%d", cutoff),
		"DELETE FROM evolution_events WHERE timestamp < " + fmt.Sprintf("%d", cutoff),
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("maintenance purge failed: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		s.log.Warn("ANALYZE failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.log.Warn("VACUUM failed: %v", err)
	}

	s.log.Info("maintenance completed (retention=%v)", retention)
	return nil
}
