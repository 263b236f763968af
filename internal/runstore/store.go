// Package runstore persists alignment runs and their per-iteration results in
// a SQLite database.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/align/internal/align"
	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/timeutil"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run id is not in the store.
var ErrRunNotFound = errors.New("run not found")

// Run status values.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Store is a SQLite-backed run store.
type Store struct {
	*sql.DB
	clock timeutil.Clock
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// PRAGMAs below are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	s := &Store{DB: db, clock: timeutil.RealClock{}}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the clock used for run timestamps.
func (s *Store) SetClock(c timeutil.Clock) {
	s.clock = c
}

// Run is one stored alignment run.
type Run struct {
	ID         string
	CreatedAt  time.Time
	FinishedAt time.Time // zero while running
	Source     string
	Layers     int
	Solver     string
	Config     align.Config
	Status     string
	StopReason string
	Error      string
	Iterations int
	FinalChi2  float64
	// FinalParams is nil until the run finishes.
	FinalParams geometry.Params
}

// Iteration is one stored step of a run.
type Iteration struct {
	RunID            string
	Iteration        int
	BatchStart       int
	BatchSize        int
	Skipped          int
	ChiSquare        float64
	Params           geometry.Params
	Delta            geometry.Params
	SolverConverged  bool
	SolverIterations int
	SolverResidual   float64
	Elapsed          time.Duration
}

// CreateRun inserts a new running run for cfg and returns it. source names
// the track input, typically a file path.
func (s *Store) CreateRun(ctx context.Context, cfg align.Config, source string) (*Run, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	run := &Run{
		ID:        uuid.NewString(),
		CreatedAt: s.clock.Now(),
		Source:    source,
		Layers:    cfg.Layers,
		Solver:    string(cfg.Solver),
		Config:    cfg,
		Status:    StatusRunning,
	}
	_, err = s.ExecContext(ctx,
		`INSERT INTO align_runs (run_id, created_unix_nanos, source, layers, solver, config_json, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt.UnixNano(), run.Source, run.Layers, run.Solver, string(cfgJSON), run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RecordIteration stores one completed step of runID.
func (s *Store) RecordIteration(ctx context.Context, runID string, st align.StepResult) error {
	paramsJSON, err := json.Marshal(st.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	deltaJSON, err := json.Marshal(st.Delta)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	res, err := s.ExecContext(ctx,
		`INSERT INTO align_iterations (run_id, iteration, batch_start, batch_size, skipped, chi_square,
			params_json, delta_json, solver_converged, solver_iterations, solver_residual, elapsed_nanos)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM align_runs WHERE run_id = ?)`,
		runID, st.Iteration, st.BatchStart, st.BatchSize, st.Skipped, st.ChiSquare,
		string(paramsJSON), string(deltaJSON), st.SolverConverged, st.SolverIterations, st.SolverResidual,
		int64(st.Elapsed), runID,
	)
	if err != nil {
		return fmt.Errorf("insert iteration %d: %w", st.Iteration, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// FinishRun marks runID finished with the outcome of Session.Run.
func (s *Store) FinishRun(ctx context.Context, runID string, res *align.RunResult) error {
	paramsJSON, err := json.Marshal(res.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var finalChi2 sql.NullFloat64
	if n := len(res.Steps); n > 0 {
		finalChi2 = sql.NullFloat64{Float64: res.Steps[n-1].ChiSquare, Valid: true}
	}
	return s.finish(ctx, runID,
		`UPDATE align_runs SET finished_unix_nanos = ?, status = ?, stop_reason = ?, iterations = ?,
			final_chi_square = ?, final_params_json = ?
		 WHERE run_id = ?`,
		s.clock.Now().UnixNano(), StatusFinished, string(res.Reason), len(res.Steps),
		finalChi2, string(paramsJSON), runID,
	)
}

// FailRun marks runID failed with cause.
func (s *Store) FailRun(ctx context.Context, runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, runID,
		`UPDATE align_runs SET finished_unix_nanos = ?, status = ?, error_message = ?,
			iterations = (SELECT COUNT(*) FROM align_iterations WHERE run_id = ?)
		 WHERE run_id = ?`,
		s.clock.Now().UnixNano(), StatusFailed, msg, runID, runID,
	)
}

func (s *Store) finish(ctx context.Context, runID, query string, args ...interface{}) error {
	res, err := s.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, created_unix_nanos, finished_unix_nanos, source, layers, solver, config_json,
	status, stop_reason, error_message, iterations, final_chi_square, final_params_json`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		created    int64
		finished   sql.NullInt64
		cfgJSON    string
		finalChi2  sql.NullFloat64
		paramsJSON sql.NullString
	)
	if err := row.Scan(&r.ID, &created, &finished, &r.Source, &r.Layers, &r.Solver, &cfgJSON,
		&r.Status, &r.StopReason, &r.Error, &r.Iterations, &finalChi2, &paramsJSON); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created)
	if finished.Valid {
		r.FinishedAt = time.Unix(0, finished.Int64)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, fmt.Errorf("run %s: decode config: %w", r.ID, err)
	}
	r.FinalChi2 = finalChi2.Float64
	if paramsJSON.Valid {
		if err := json.Unmarshal([]byte(paramsJSON.String), &r.FinalParams); err != nil {
			return nil, fmt.Errorf("run %s: decode params: %w", r.ID, err)
		}
	}
	return &r, nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.QueryRowContext(ctx, `SELECT `+runColumns+` FROM align_runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns up to limit runs, newest first. A limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.QueryContext(ctx,
		`SELECT `+runColumns+` FROM align_runs ORDER BY created_unix_nanos DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListIterations returns the stored steps of runID in iteration order.
func (s *Store) ListIterations(ctx context.Context, runID string) ([]Iteration, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.QueryContext(ctx,
		`SELECT run_id, iteration, batch_start, batch_size, skipped, chi_square, params_json, delta_json,
			solver_converged, solver_iterations, solver_residual, elapsed_nanos
		 FROM align_iterations WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Iteration
	for rows.Next() {
		var (
			it                    Iteration
			paramsJSON, deltaJSON string
			elapsed               int64
		)
		if err := rows.Scan(&it.RunID, &it.Iteration, &it.BatchStart, &it.BatchSize, &it.Skipped, &it.ChiSquare,
			&paramsJSON, &deltaJSON, &it.SolverConverged, &it.SolverIterations, &it.SolverResidual, &elapsed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paramsJSON), &it.Params); err != nil {
			return nil, fmt.Errorf("iteration %d: decode params: %w", it.Iteration, err)
		}
		if err := json.Unmarshal([]byte(deltaJSON), &it.Delta); err != nil {
			return nil, fmt.Errorf("iteration %d: decode delta: %w", it.Iteration, err)
		}
		it.Elapsed = time.Duration(elapsed)
		out = append(out, it)
	}
	return out, rows.Err()
}

// Observer returns an align.StepObserver that records every step of runID.
func (s *Store) Observer(ctx context.Context, runID string) align.StepObserver {
	return align.StepObserverFunc(func(st align.StepResult) error {
		return s.RecordIteration(ctx, runID, st)
	})
}
