package migrations

import (
	"database/sql"
	"fmt"
)

// Migration represents a single database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: 1,
		Name:    "Add indices for run listing",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_load_runs_started_at ON load_runs(started_at DESC);
			CREATE INDEX IF NOT EXISTS idx_load_runs_status ON load_runs(status);
			CREATE INDEX IF NOT EXISTS idx_load_phases_run_id ON load_phases(run_id);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_load_runs_started_at;
			DROP INDEX IF EXISTS idx_load_runs_status;
			DROP INDEX IF EXISTS idx_load_phases_run_id;
		`,
	},
	{
		Version: 2,
		Name:    "Add composite index for per-scenario history",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_load_runs_scenario_started ON load_runs(scenario_name, started_at DESC);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_load_runs_scenario_started;
		`,
	},
}

// InitSchema creates the tables when they do not exist yet
func InitSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS load_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scenario_name TEXT NOT NULL,
		url TEXT NOT NULL,
		destination TEXT NOT NULL,
		users INTEGER NOT NULL,
		messages INTEGER NOT NULL,
		producers INTEGER NOT NULL DEFAULT 1,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL,
		error_message TEXT,
		expected_deliveries INTEGER DEFAULT 0,
		delivered INTEGER DEFAULT 0,
		throughput_per_sec REAL DEFAULT 0,
		avg_latency_ms REAL DEFAULT 0,
		min_latency_ms INTEGER DEFAULT 0,
		max_latency_ms INTEGER DEFAULT 0,
		p50_latency_ms INTEGER DEFAULT 0,
		p95_latency_ms INTEGER DEFAULT 0,
		p99_latency_ms INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS load_phases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		expected INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		missing TEXT,
		error_message TEXT,
		FOREIGN KEY (run_id) REFERENCES load_runs(id) ON DELETE CASCADE
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Run initializes the schema and applies pending migrations
func Run(db *sql.DB) error {
	if err := InitSchema(db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := GetCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, migration := range AllMigrations {
		if migration.Version <= currentVersion {
			continue
		}

		if _, err := db.Exec(migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}

		_, err = db.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version,
			migration.Name,
		)
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetCurrentVersion returns the current database schema version
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`
		SELECT COALESCE(MAX(version), 0)
		FROM schema_migrations
	`).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return version, nil
}
