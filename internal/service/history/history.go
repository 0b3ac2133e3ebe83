package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"synthtune/internal/models"
)

var (
	ErrNotFound = errors.New("run not found")
	ErrDisabled = errors.New("run history is disabled")
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// Service records runs in SQL and tracks the live stage of running ones in
// a StageCache. A nil *Service records nothing.
type Service struct {
	db     *sql.DB
	stages StageCache
}

func NewService(db *sql.DB, stages StageCache) *Service {
	if stages == nil {
		stages = NewMemoryStages()
	}
	return &Service{db: db, stages: stages}
}

// Start inserts a running record for run.
func (s *Service) Start(ctx context.Context, run *models.Run) error {
	if s == nil || run == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, model_type, epochs, batch_size, dataset_digest, dataset_size,
			status, stage, row_count, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		run.ID, run.ModelType, run.Epochs, run.BatchSize, run.DatasetDigest, run.DatasetSize,
		string(run.Status), string(run.Stage), run.RowCount, run.Error, run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return s.stages.SetStage(ctx, run.ID, run.Stage)
}

// SetStage publishes the stage of a running run.
func (s *Service) SetStage(ctx context.Context, runID string, stage models.Stage) error {
	if s == nil {
		return nil
	}
	return s.stages.SetStage(ctx, runID, stage)
}

// Finish persists the final state of run and drops its live stage.
func (s *Service) Finish(ctx context.Context, run *models.Run) error {
	if s == nil || run == nil {
		return nil
	}
	var finished any
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET dataset_digest = ?, dataset_size = ?, status = ?, stage = ?,
			row_count = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		run.DatasetDigest, run.DatasetSize, string(run.Status), string(run.Stage),
		run.RowCount, run.Error, finished, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return s.stages.Clear(ctx, run.ID)
}

const runColumns = `id, model_type, epochs, batch_size, dataset_digest, dataset_size,
	status, stage, row_count, error, created_at, finished_at`

// Get returns a run by id, with the live stage overlaid while it runs.
func (s *Service) Get(ctx context.Context, id string) (*models.Run, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	if run.Status == models.RunRunning {
		if stage, ok, err := s.stages.Stage(ctx, run.ID); err == nil && ok {
			run.Stage = stage
		}
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*models.Run, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*models.Run, error) {
	var (
		run      models.Run
		status   string
		stage    string
		finished sql.NullTime
	)
	if err := sc.Scan(&run.ID, &run.ModelType, &run.Epochs, &run.BatchSize,
		&run.DatasetDigest, &run.DatasetSize, &status, &stage, &run.RowCount,
		&run.Error, &run.CreatedAt, &finished); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.Stage = models.Stage(stage)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
