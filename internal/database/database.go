package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// FileName is the state database name inside the state directory.
const FileName = "transcoderexpress.db"

// schemaVersion is bumped whenever runMigrations learns a new step.
const schemaVersion = "2"

// Options tunes how the database is opened. A nil *Options means defaults.
type Options struct {
	// ReadOnly opens an existing database without creating or migrating it.
	// Used by the txstatus command while the agent is running.
	ReadOnly bool
}

// Database is the SQLite-backed job store.
type Database struct {
	db       *sql.DB
	dbPath   string
	readOnly bool
	mu       sync.RWMutex
}

// PathIn returns the database path inside a state directory.
func PathIn(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// New opens (and unless read-only, creates and migrates) the database.
// dbPath is the full path to the database FILE; its parent directory must
// exist and be writable. startup.LoadConfig validates that beforehand.
func New(ctx context.Context, dbPath string, opts *Options) (*Database, error) {
	if opts == nil {
		opts = &Options{}
	}

	logging.Info("Database path: %s", dbPath)

	var connStr string
	if opts.ReadOnly {
		if _, err := os.Stat(dbPath); err != nil {
			return nil, fmt.Errorf("state database not found: %w", err)
		}
		connStr = fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", dbPath)
	} else {
		if err := diagnoseDatabasePermissions(dbPath); err != nil {
			logging.Warn("Database permission diagnostics: %v", err)
		}
		// busy_timeout helps prevent "database is locked" errors
		connStr = fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer at a time is all SQLite can do anyway.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{
		db:       db,
		dbPath:   dbPath,
		readOnly: opts.ReadOnly,
	}

	if opts.ReadOnly {
		return d, nil
	}

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.Info("Database initialized successfully at %s", dbPath)
	return d, nil
}

func (d *Database) initialize(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { recordQuery("initialize_schema", start, err) }()

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		output_path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time_ns INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_ns INTEGER NOT NULL DEFAULT 0,
		stale INTEGER NOT NULL DEFAULT 0,
		created_ns INTEGER NOT NULL,
		updated_ns INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_ns);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	if _, err = d.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	return d.runMigrations(ctx)
}

// runMigrations applies database schema migrations
func (d *Database) runMigrations(ctx context.Context) error {
	// Migration 1: stale flag, missing from databases written by 0.1.x
	var staleExists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0
		FROM pragma_table_info('jobs')
		WHERE name='stale'
	`).Scan(&staleExists)
	if err != nil {
		return fmt.Errorf("failed to check for stale column: %w", err)
	}

	if !staleExists {
		logging.Info("Migrating database: adding stale column to jobs table")
		if _, err := d.db.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN stale INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add stale column: %w", err)
		}
	}

	// Migration 2: record the schema version for txstatus and future upgrades
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.dbPath
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

// diagnoseDatabasePermissions checks database directory and file permissions
func diagnoseDatabasePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot stat database directory: %w", err)
	}

	logging.Debug("Database directory: %s (mode: %v)", dir, dirInfo.Mode())

	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	_ = os.Remove(testFile)
	logging.Debug("Database directory is writable")

	for _, path := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		logging.Debug("Database file exists: %s (mode: %v, size: %d bytes)", path, info.Mode(), info.Size())
		if info.Mode().Perm()&0o200 == 0 {
			logging.Warn("%s is read-only! Mode: %v - this will cause write failures", path, info.Mode())
			if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
				logging.Error("Failed to fix permissions on %s: %v", path, chmodErr)
			} else {
				logging.Info("Fixed permissions on %s", path)
			}
		}
	}

	return nil
}
