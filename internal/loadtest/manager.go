package loadtest

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/studiowebux/stompload/internal/migrations"
)

// Run is a persisted scenario run
type Run struct {
	ID                 int64       `json:"id" yaml:"id"`
	ScenarioName       string      `json:"scenario" yaml:"scenario"`
	URL                string      `json:"url" yaml:"url"`
	Destination        string      `json:"destination" yaml:"destination"`
	Users              int         `json:"users" yaml:"users"`
	Messages           int         `json:"messages" yaml:"messages"`
	Producers          int         `json:"producers" yaml:"producers"`
	StartedAt          time.Time   `json:"startedAt" yaml:"startedAt"`
	CompletedAt        *time.Time  `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	Status             string      `json:"status" yaml:"status"` // "running", "completed", "cancelled", "failed"
	ErrorMessage       string      `json:"error,omitempty" yaml:"error,omitempty"`
	ExpectedDeliveries int         `json:"expectedDeliveries" yaml:"expectedDeliveries"`
	Delivered          int         `json:"delivered" yaml:"delivered"`
	ThroughputPerSec   float64     `json:"throughputPerSec" yaml:"throughputPerSec"`
	AvgLatencyMs       float64     `json:"avgLatencyMs" yaml:"avgLatencyMs"`
	MinLatencyMs       int64       `json:"minLatencyMs" yaml:"minLatencyMs"`
	MaxLatencyMs       int64       `json:"maxLatencyMs" yaml:"maxLatencyMs"`
	P50LatencyMs       int64       `json:"p50LatencyMs" yaml:"p50LatencyMs"`
	P95LatencyMs       int64       `json:"p95LatencyMs" yaml:"p95LatencyMs"`
	P99LatencyMs       int64       `json:"p99LatencyMs" yaml:"p99LatencyMs"`
	Phases             []*PhaseRow `json:"phases,omitempty" yaml:"phases,omitempty"`
}

// PhaseRow is one persisted phase of a run
type PhaseRow struct {
	ID           int64  `json:"id" yaml:"id"`
	RunID        int64  `json:"runId" yaml:"runId"`
	Seq          int    `json:"seq" yaml:"seq"`
	Name         string `json:"name" yaml:"name"`
	DurationMs   int64  `json:"durationMs" yaml:"durationMs"`
	Expected     int    `json:"expected" yaml:"expected"`
	Completed    int    `json:"completed" yaml:"completed"`
	Missing      string `json:"missing,omitempty" yaml:"missing,omitempty"`
	ErrorMessage string `json:"error,omitempty" yaml:"error,omitempty"`
}

// IsRunning returns true if the run is still in progress
func (r *Run) IsRunning() bool {
	return r.Status == StatusRunning
}

// IsCompleted returns true if the run has finished, successfully or not
func (r *Run) IsCompleted() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled || r.Status == StatusFailed
}

// NewRun creates a running record for config
func NewRun(config *Config) *Run {
	return &Run{
		ScenarioName:       config.Name,
		URL:                config.URL,
		Destination:        config.Destination,
		Users:              config.Users,
		Messages:           config.Messages,
		Producers:          config.Producers,
		StartedAt:          time.Now(),
		Status:             StatusRunning,
		ExpectedDeliveries: config.ExpectedDeliveries(),
	}
}

// ApplyResult copies the outcome of a harness run into the record
func (r *Run) ApplyResult(result *Result) {
	completedAt := result.CompletedAt
	r.StartedAt = result.StartedAt
	r.CompletedAt = &completedAt
	r.Status = result.Status
	r.ErrorMessage = result.Error
	r.ExpectedDeliveries = result.ExpectedDeliveries
	r.Delivered = result.Delivered
	r.ThroughputPerSec = result.ThroughputPerSec
	r.AvgLatencyMs = result.Latency.Avg
	r.MinLatencyMs = result.Latency.Min
	r.MaxLatencyMs = result.Latency.Max
	r.P50LatencyMs = result.Latency.P50
	r.P95LatencyMs = result.Latency.P95
	r.P99LatencyMs = result.Latency.P99

	r.Phases = make([]*PhaseRow, 0, len(result.Phases))
	for i, p := range result.Phases {
		missing := make([]string, 0, len(p.Missing))
		for _, m := range p.Missing {
			missing = append(missing, m.String())
		}
		r.Phases = append(r.Phases, &PhaseRow{
			RunID:        r.ID,
			Seq:          i,
			Name:         p.Name,
			DurationMs:   p.DurationMs,
			Expected:     p.Expected,
			Completed:    p.Completed,
			Missing:      strings.Join(missing, ","),
			ErrorMessage: p.Error,
		})
	}
}

// Manager handles run history persistence
type Manager struct {
	db *sql.DB
}

// NewManager opens the history database and applies migrations
func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; ":memory:" is also per-connection
	db.SetMaxOpenConns(1)

	m := &Manager{db: db}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return m, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}

// CreateRun inserts a run record and sets its ID
func (m *Manager) CreateRun(run *Run) error {
	result, err := m.db.Exec(`
		INSERT INTO load_runs
		(scenario_name, url, destination, users, messages, producers, started_at, status, expected_deliveries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ScenarioName, run.URL, run.Destination, run.Users, run.Messages, run.Producers,
		run.StartedAt, run.Status, run.ExpectedDeliveries)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// UpdateRun stores the outcome of a run and replaces its phase rows
func (m *Manager) UpdateRun(run *Run) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE load_runs
		SET completed_at = ?, status = ?, error_message = ?,
		    expected_deliveries = ?, delivered = ?, throughput_per_sec = ?,
		    avg_latency_ms = ?, min_latency_ms = ?, max_latency_ms = ?,
		    p50_latency_ms = ?, p95_latency_ms = ?, p99_latency_ms = ?
		WHERE id = ?
	`, run.CompletedAt, run.Status, run.ErrorMessage,
		run.ExpectedDeliveries, run.Delivered, run.ThroughputPerSec,
		run.AvgLatencyMs, run.MinLatencyMs, run.MaxLatencyMs,
		run.P50LatencyMs, run.P95LatencyMs, run.P99LatencyMs,
		run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM load_phases WHERE run_id = ?", run.ID); err != nil {
		return fmt.Errorf("failed to clear phases: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO load_phases
		(run_id, seq, name, duration_ms, expected, completed, missing, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, phase := range run.Phases {
		phase.RunID = run.ID
		res, err := stmt.Exec(phase.RunID, phase.Seq, phase.Name, phase.DurationMs,
			phase.Expected, phase.Completed, phase.Missing, phase.ErrorMessage)
		if err != nil {
			return fmt.Errorf("failed to insert phase: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			phase.ID = id
		}
	}

	return tx.Commit()
}

// SaveResult records a finished harness run in one go
func (m *Manager) SaveResult(config *Config, result *Result) (*Run, error) {
	run := NewRun(config)
	run.StartedAt = result.StartedAt
	if err := m.CreateRun(run); err != nil {
		return nil, err
	}
	run.ApplyResult(result)
	if err := m.UpdateRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

const runColumns = `id, scenario_name, url, destination, users, messages, producers,
		       started_at, completed_at, status, COALESCE(error_message, ''),
		       expected_deliveries, delivered, throughput_per_sec,
		       avg_latency_ms, min_latency_ms, max_latency_ms,
		       p50_latency_ms, p95_latency_ms, p99_latency_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.ScenarioName, &run.URL, &run.Destination,
		&run.Users, &run.Messages, &run.Producers,
		&run.StartedAt, &completedAt, &run.Status, &run.ErrorMessage,
		&run.ExpectedDeliveries, &run.Delivered, &run.ThroughputPerSec,
		&run.AvgLatencyMs, &run.MinLatencyMs, &run.MaxLatencyMs,
		&run.P50LatencyMs, &run.P95LatencyMs, &run.P99LatencyMs)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// GetRun retrieves a run and its phases by ID
func (m *Manager) GetRun(id int64) (*Run, error) {
	row := m.db.QueryRow("SELECT "+runColumns+" FROM load_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %d", id)
	}
	if err != nil {
		return nil, err
	}

	phases, err := m.getPhases(id)
	if err != nil {
		return nil, err
	}
	run.Phases = phases
	return run, nil
}

func (m *Manager) getPhases(runID int64) ([]*PhaseRow, error) {
	rows, err := m.db.Query(`
		SELECT id, run_id, seq, name, duration_ms, expected, completed,
		       COALESCE(missing, ''), COALESCE(error_message, '')
		FROM load_phases
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phases []*PhaseRow
	for rows.Next() {
		p := &PhaseRow{}
		if err := rows.Scan(&p.ID, &p.RunID, &p.Seq, &p.Name, &p.DurationMs,
			&p.Expected, &p.Completed, &p.Missing, &p.ErrorMessage); err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// ListRuns returns the most recent runs first; limit <= 0 means all
func (m *Manager) ListRuns(limit int) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM load_runs ORDER BY started_at DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its phases
func (m *Manager) DeleteRun(id int64) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM load_phases WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete phases: %w", err)
	}
	res, err := tx.Exec("DELETE FROM load_runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %d", id)
	}
	return tx.Commit()
}
