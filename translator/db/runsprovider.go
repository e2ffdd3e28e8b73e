package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	internal "github.com/QuagHien/translator-v3/translator"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

// Run is one row of the local run registry.
type Run struct {
	ID         uuid.UUID
	OutputDir  string
	ModelName  string
	Status     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	GlobalStep int
	TrainLoss  sql.NullFloat64
	Error      sql.NullString
}

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunsProvider records fine-tuning runs in a local libsql database so past
// runs can be listed and inspected after the fact.
type RunsProvider struct {
	db *sql.DB
}

// ConnectToDB opens a libsql database at the given path.
func ConnectToDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("libsql", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database at %s: %w", dbPath, err)
	}
	return db, nil
}

// NewRunsProvider opens or initializes the run registry at the default
// config location.
func NewRunsProvider() (*RunsProvider, error) {
	return NewRunsProviderAt(internal.DefaultRunDBPath)
}

// NewRunsProviderAt opens or initializes the run registry at dbPath.
func NewRunsProviderAt(dbPath string) (*RunsProvider, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create config directory: %v", err)
	}

	slog.Debug("Run registry path:", "path", dbPath)

	db, err := ConnectToDB(dbPath)
	if err != nil {
		return nil, err
	}

	provider := &RunsProvider{db: db}
	if err := provider.init(); err != nil {
		return nil, err
	}
	return provider, nil
}

func (p *RunsProvider) init() error {
	_, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY UNIQUE,
		output_dir TEXT NOT NULL,
		model_name TEXT,
		status TEXT NOT NULL,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME,
		global_step INTEGER DEFAULT 0,
		train_loss REAL,
		error TEXT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	return nil
}

// CreateRun registers a new run and returns its ID.
func (p *RunsProvider) CreateRun(outputDir, modelName string) (uuid.UUID, error) {
	id := uuid.New()
	result, err := p.db.Exec(
		"INSERT INTO runs (id, output_dir, model_name, status) VALUES (?, ?, ?, ?)",
		id.String(), outputDir, modelName, StatusRunning)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return uuid.Nil, fmt.Errorf("expected 1 row affected, got %d", rowsAffected)
	}
	return id, nil
}

// CompleteRun marks a run as finished with its final step count and loss.
func (p *RunsProvider) CompleteRun(id uuid.UUID, globalStep int, trainLoss float64) error {
	_, err := p.db.Exec(
		"UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP, global_step = ?, train_loss = ? WHERE id = ?",
		StatusCompleted, globalStep, trainLoss, id.String())
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// FailRun marks a run as failed and records the error message.
func (p *RunsProvider) FailRun(id uuid.UUID, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	_, err := p.db.Exec(
		"UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP, error = ? WHERE id = ?",
		StatusFailed, msg, id.String())
	if err != nil {
		return fmt.Errorf("failed to mark run as failed: %w", err)
	}
	return nil
}

// GetRun fetches one run by ID.
func (p *RunsProvider) GetRun(id uuid.UUID) (*Run, error) {
	row := p.db.QueryRow(
		"SELECT id, output_dir, model_name, status, started_at, finished_at, global_step, train_loss, error FROM runs WHERE id = ?",
		id.String())
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (p *RunsProvider) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.Query(
		"SELECT id, output_dir, model_name, status, started_at, finished_at, global_step, train_loss, error FROM runs ORDER BY started_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*Run, error) {
	var r Run
	var idStr string
	if err := s.Scan(&idStr, &r.OutputDir, &r.ModelName, &r.Status, &r.StartedAt,
		&r.FinishedAt, &r.GlobalStep, &r.TrainLoss, &r.Error); err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", idStr, err)
	}
	r.ID = id
	return &r, nil
}

// Close releases the underlying database handle.
func (p *RunsProvider) Close() error {
	return p.db.Close()
}
