// Package db implements the pooled embedded SQLite store. It owns the
// persisted schema (concepts, patterns, feedback, evolution, team
// knowledge), applies versioned migrations, and wraps every operation in
// the retry discipline for transient contention.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/logging"
	"codelens/internal/types"
)

const (
	acquireTimeout = 5 * time.Second
	maxExecBackoff = 250 * time.Millisecond

	queryAttempts = 2
	execAttempts  = 3
	txAttempts    = 3
)

// Result reports the outcome of a write.
type Result struct {
	Changes      int64 `json:"changes"`
	LastInsertID int64 `json:"last_insert_id"`
}

// ErrorEvent is the payload emitted on database:*-error topics. Attempt
// numbering starts at 1 so retries are observable.
type ErrorEvent struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
	Attempt   int    `json:"attempt"`
	Retryable bool   `json:"retryable"`
}

// Service is the embedded SQL store.
type Service struct {
	db     *sql.DB
	path   string
	events *bus.Bus
	log    *logging.Logger

	initialized bool
}

// New opens (or creates) the database, tunes every pooled connection via
// DSN parameters, and installs the schema.
func New(cfg config.DatabaseConfig, events *bus.Bus) (*Service, error) {
	timer := logging.StartTimer(logging.CategoryDB, "db.New")
	defer timer.Stop()

	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: database path required", types.ErrInvalidInput)
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	if cfg.Path == ":memory:" {
		// Every pooled connection to :memory: would get its own database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	// Memory-backed temp tables; DSN handles the per-connection pragmas.
	if _, err := db.Exec("PRAGMA temp_store = MEMORY"); err != nil {
		logging.DBDebug("failed to set temp_store: %v", err)
	}

	s := &Service{db: db, path: cfg.Path, events: events, log: logging.Get(logging.CategoryDB)}
	if err := s.installSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.initialized = true
	s.log.Info("database initialized: path=%s pool=%d wal=%v", cfg.Path, maxConns, cfg.EnableWAL)
	return s, nil
}

// dsn builds the connection string so pragmas apply to every pooled
// connection, not just the one that executed them.
func dsn(cfg config.DatabaseConfig) string {
	busy := cfg.BusyTimeoutMs
	if busy < 5000 {
		busy = 5000
	}
	v := url.Values{}
	v.Set("_busy_timeout", fmt.Sprintf("%d", busy))
	if cfg.EnableWAL && cfg.Path != ":memory:" {
		v.Set("_journal_mode", "WAL")
		v.Set("_synchronous", "NORMAL")
	}
	if cfg.EnableForeignKeys {
		v.Set("_foreign_keys", "1")
	}
	// Negative cache_size is KiB: 8 MiB page cache.
	v.Set("_cache_size", "-8192")
	return "file:" + cfg.Path + "?" + v.Encode()
}

// Query runs a SELECT with up to two attempts on transient contention and
// returns generic rows.
func (s *Service) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	if !s.initialized {
		return nil, types.ErrNotInitialized
	}

	var rows []map[string]interface{}
	var lastErr error
	for attempt := 1; attempt <= queryAttempts; attempt++ {
		rows, lastErr = s.queryOnce(ctx, query, args...)
		if lastErr == nil {
			return rows, nil
		}
		retryable := isRetryable(lastErr)
		s.emitError(bus.TopicDBQueryError, "query", lastErr, attempt, retryable)
		if !retryable || attempt == queryAttempts {
			break
		}
		sleepCtx(ctx, jitter(10*time.Millisecond))
	}
	return nil, fmt.Errorf("query failed: %w", lastErr)
}

func (s *Service) queryOnce(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rs, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return scanRows(rs)
}

// Execute runs a write with up to three attempts, exponentially backed off
// and capped. A foreign-key violation is retryable only on the first
// attempt so an upstream fixer gets one chance to repair the parent row.
func (s *Service) Execute(ctx context.Context, query string, args ...interface{}) (Result, error) {
	if !s.initialized {
		return Result{}, types.ErrNotInitialized
	}

	var lastErr error
	for attempt := 1; attempt <= execAttempts; attempt++ {
		res, err := s.executeOnce(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err

		retryable := isRetryable(err) || (attempt == 1 && isFKViolation(err))
		s.emitError(bus.TopicDBExecuteError, "execute", err, attempt, retryable)
		if !retryable || attempt == execAttempts {
			break
		}

		backoff := time.Duration(1<<uint(attempt-1)) * 25 * time.Millisecond
		if backoff > maxExecBackoff {
			backoff = maxExecBackoff
		}
		sleepCtx(ctx, jitter(backoff))
	}

	if isFKViolation(lastErr) {
		return Result{}, fmt.Errorf("%w: %v", types.ErrFKViolation, lastErr)
	}
	return Result{}, fmt.Errorf("execute failed: %w", lastErr)
}

func (s *Service) executeOnce(ctx context.Context, query string, args ...interface{}) (Result, error) {
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	changes, _ := res.RowsAffected()
	id, _ := res.LastInsertId()
	return Result{Changes: changes, LastInsertID: id}, nil
}

// Tx is the transaction-scoped handle passed to a Transaction body. Its
// Query dispatches SELECT and non-SELECT statements appropriately.
type Tx struct {
	tx *sql.Tx
}

// Query runs a statement inside the transaction: SELECTs return rows,
// anything else returns an empty row set after executing.
func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	if isSelect(query) {
		rs, err := t.tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rs.Close()
		return scanRows(rs)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	return nil, nil
}

// Execute runs a write inside the transaction.
func (t *Tx) Execute(ctx context.Context, query string, args ...interface{}) (Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	changes, _ := res.RowsAffected()
	id, _ := res.LastInsertId()
	return Result{Changes: changes, LastInsertID: id}, nil
}

// Transaction runs body atomically: deferred begin, commit on success,
// rollback on error, with up to three attempts on transient contention.
func (s *Service) Transaction(ctx context.Context, body func(tx *Tx) error) error {
	if !s.initialized {
		return types.ErrNotInitialized
	}

	var lastErr error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err := s.transactOnce(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err

		retryable := isRetryable(err)
		s.emitError(bus.TopicDBTransactionError, "transaction", err, attempt, retryable)
		if !retryable || attempt == txAttempts {
			break
		}
		backoff := time.Duration(attempt) * 20 * time.Millisecond
		if backoff > maxExecBackoff {
			backoff = maxExecBackoff
		}
		sleepCtx(ctx, jitter(backoff))
	}
	return fmt.Errorf("transaction failed: %w", lastErr)
}

func (s *Service) transactOnce(ctx context.Context, body func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := body(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// FKRef names a parent row a child insert depends on. When the parent is
// absent and DefaultRecord is provided, the parent is inserted first.
type FKRef struct {
	Table         string
	Column        string
	Value         interface{}
	DefaultRecord map[string]interface{}
}

// InsertWithFKValidation ensures every named parent exists before inserting
// the child row, inside one transaction.
func (s *Service) InsertWithFKValidation(ctx context.Context, table string, data map[string]interface{}, fks []FKRef) (Result, error) {
	if !s.initialized {
		return Result{}, types.ErrNotInitialized
	}

	var result Result
	err := s.Transaction(ctx, func(tx *Tx) error {
		for _, fk := range fks {
			rows, err := tx.Query(ctx,
				fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", fk.Table, fk.Column), fk.Value)
			if err != nil {
				return fmt.Errorf("fk check on %s.%s: %w", fk.Table, fk.Column, err)
			}
			if len(rows) > 0 {
				continue
			}
			if fk.DefaultRecord == nil {
				return fmt.Errorf("%w: missing %s.%s = %v", types.ErrFKViolation, fk.Table, fk.Column, fk.Value)
			}
			cols, placeholders, vals := insertParts(fk.DefaultRecord)
			if _, err := tx.Execute(ctx,
				fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", fk.Table, cols, placeholders), vals...); err != nil {
				return fmt.Errorf("fk default insert into %s: %w", fk.Table, err)
			}
		}

		cols, placeholders, vals := insertParts(data)
		res, err := tx.Execute(ctx,
			fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, cols, placeholders), vals...)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// acquire checks a connection out of the pool, blocking at most
// acquireTimeout.
func (s *Service) acquire(ctx context.Context) (*sql.Conn, func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	conn, err := s.db.Conn(acquireCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, fmt.Errorf("%w: connection pool acquire timed out", types.ErrTimeout)
		}
		return nil, nil, err
	}
	return conn, func() { _ = conn.Close() }, nil
}

// Close closes the pool. Safe to call more than once.
func (s *Service) Close() error {
	if !s.initialized {
		return nil
	}
	s.initialized = false
	s.log.Info("closing database")
	return s.db.Close()
}

// Initialized reports whether the service is usable.
func (s *Service) Initialized() bool {
	return s.initialized
}

// DB exposes the underlying handle for typed scans within this module.
func (s *Service) DB() *sql.DB {
	return s.db
}

func (s *Service) emitError(topic, op string, err error, attempt int, retryable bool) {
	s.log.Warn("%s attempt %d failed (retryable=%v): %v", op, attempt, retryable, err)
	if s.events != nil {
		s.events.Emit(topic, ErrorEvent{
			Operation: op,
			Error:     err.Error(),
			Attempt:   attempt,
			Retryable: retryable,
		})
	}
}

func scanRows(rs *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rs.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func insertParts(data map[string]interface{}) (cols string, placeholders string, vals []interface{}) {
	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	// Deterministic order keeps generated SQL stable for logs and tests.
	sort.Strings(names)
	marks := make([]string, len(names))
	vals = make([]interface{}, len(names))
	for i, name := range names {
		marks[i] = "?"
		vals[i] = data[name]
	}
	return strings.Join(names, ", "), strings.Join(marks, ", "), vals
}

func isSelect(query string) bool {
	q := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH") || strings.HasPrefix(q, "PRAGMA")
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func isFKViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base/2)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
