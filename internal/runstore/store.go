// Package runstore is the SQLite run ledger behind `ftrun runs`.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/ftrun/internal/domain"
)

// ErrNotFound is returned when a run id is not in the ledger.
var ErrNotFound = errors.New("run not found")

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New opens the ledger at dbPath, creating the file and schema as needed.
// ":memory:" gives a private in-memory ledger.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Start records a new running run. An empty ID is filled with a fresh uuid,
// a zero StartedAt with the current time.
func (s *Store) Start(run *domain.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = domain.RunRunning

	_, err := s.db.Exec(`
		INSERT INTO runs (id, mode, config_path, base_model, output_dir, rank, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Mode),
		run.ConfigPath,
		run.BaseModel,
		run.OutputDir,
		run.Rank,
		string(run.Status),
		run.StartedAt,
	)
	return err
}

// Finish moves a run to a terminal status. runErr is recorded when non-nil.
func (s *Store) Finish(id string, status domain.RunStatus, runErr error) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), msg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

// RecordCheckpoint notes a checkpoint seen during the run and makes it the
// run's last checkpoint. Recording the same step twice is a no-op.
func (s *Store) RecordCheckpoint(id string, step int, path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO checkpoints (run_id, step, path) VALUES (?, ?, ?)`, id, step, path); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE runs SET last_checkpoint = ? WHERE id = ?`, path, id)
	if err != nil {
		return err
	}
	if err := expectOne(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves a run by ID
func (s *Store) Get(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.RunStatus
	Limit  int
}

// List returns runs matching opts, newest first.
func (s *Store) List(opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Checkpoints returns the steps recorded for a run, ascending.
func (s *Store) Checkpoints(id string) ([]int, error) {
	rows, err := s.db.Query(`SELECT step FROM checkpoints WHERE run_id = ? ORDER BY step`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []int
	for rows.Next() {
		var step int
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

const runColumns = `id, mode, config_path, base_model, output_dir, rank, status, last_checkpoint, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*domain.Run, error) {
	var run domain.Run
	var mode, status string
	var configPath, baseModel, outputDir, lastCheckpoint, runErr sql.NullString
	var finishedAt sql.NullTime

	err := sc.Scan(&run.ID, &mode, &configPath, &baseModel, &outputDir, &run.Rank, &status,
		&lastCheckpoint, &runErr, &run.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.Mode = domain.Mode(mode)
	run.Status = domain.RunStatus(status)
	run.ConfigPath = configPath.String
	run.BaseModel = baseModel.String
	run.OutputDir = outputDir.String
	run.LastCheckpoint = lastCheckpoint.String
	run.Error = runErr.String
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
