package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/zeebo/blake3"

	"synthtune/internal/archive"
	"synthtune/internal/metrics"
	"synthtune/internal/models"
	"synthtune/internal/service/history"
	"synthtune/internal/service/modelhandler"
	"synthtune/internal/tabular"
	"synthtune/internal/worker"
)

const (
	DefaultEpochs    = 10
	DefaultBatchSize = 32

	// OutputArchiveName is the download name of the result archive.
	OutputArchiveName = "syntheticdata.zip"
	// OutputEntryName is the single entry inside the result archive.
	OutputEntryName = "synthetic_data.csv"

	uploadName  = "dataset.zip"
	datasetDir  = "extracted"
	outputDir   = "output"
	runIDLength = 16
)

// Request is one fine-tune-and-generate invocation.
type Request struct {
	// RunID is used as the run id when set; otherwise one is generated.
	RunID     string
	Dataset   io.Reader
	ModelType string
	Epochs    int
	BatchSize int
}

// DeliverFunc receives the path of the finished archive. The file is removed
// once DeliverFunc returns.
type DeliverFunc func(archivePath string) error

type Options struct {
	// WorkDir is the parent of scratch directories; empty means the OS temp dir.
	WorkDir    string
	Limits     archive.Limits
	History    *history.Service
	Dispatcher *worker.Dispatcher
	Metrics    *metrics.Metrics
}

// Service runs the extract, fine-tune, generate and package pipeline, each
// run inside its own scratch directory.
type Service struct {
	factory    modelhandler.Factory
	workDir    string
	limits     archive.Limits
	history    *history.Service
	dispatcher *worker.Dispatcher
	metrics    *metrics.Metrics

	active sync.Map // scratch dirs in use
}

func NewService(factory modelhandler.Factory, opts Options) *Service {
	return &Service{
		factory:    factory,
		workDir:    opts.WorkDir,
		limits:     opts.Limits,
		history:    opts.History,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return gonanoid.Must(runIDLength)
}

// Run executes req and hands the result archive to deliver. The returned run
// describes the outcome even when err is non-nil.
func (s *Service) Run(ctx context.Context, req Request, deliver DeliverFunc) (*models.Run, error) {
	if req.Epochs == 0 {
		req.Epochs = DefaultEpochs
	}
	if req.BatchSize == 0 {
		req.BatchSize = DefaultBatchSize
	}
	runID := req.RunID
	if runID == "" {
		runID = NewRunID()
	}
	run := &models.Run{
		ID:        runID,
		ModelType: req.ModelType,
		Epochs:    req.Epochs,
		BatchSize: req.BatchSize,
		Status:    models.RunRunning,
		Stage:     models.StageQueued,
		CreatedAt: time.Now().UTC(),
	}
	logger := slog.With("run_id", run.ID)

	if req.Epochs < 0 || req.BatchSize < 0 {
		err := ErrInvalidParams
		s.finish(ctx, logger, run, err)
		return run, err
	}

	if err := s.history.Start(ctx, run); err != nil {
		logger.WarnContext(ctx, "record run start", "error", err)
	}
	s.metrics.RunStarted()

	var runErr error
	body := func() {
		runErr = s.execute(ctx, logger, run, req, deliver)
	}
	if err := s.dispatcher.Submit(ctx, body); err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			err = fmt.Errorf("%w: %w", ErrBusy, err)
		}
		runErr = err
	}

	s.metrics.RunFinished(string(statusOf(runErr)))
	s.finish(ctx, logger, run, runErr)
	return run, runErr
}

func statusOf(err error) models.RunStatus {
	if err != nil {
		return models.RunFailed
	}
	return models.RunSucceeded
}

func (s *Service) finish(ctx context.Context, logger *slog.Logger, run *models.Run, err error) {
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Status = statusOf(err)
	if err != nil {
		run.Error = ClientMessage(err)
		logger.ErrorContext(ctx, "run failed", "stage", run.Stage, "error", err)
	} else {
		run.Stage = models.StageDone
		logger.InfoContext(ctx, "run succeeded",
			"rows", run.RowCount,
			"digest", run.DatasetDigest,
			"elapsed", finished.Sub(run.CreatedAt))
	}
	// record the outcome even if the request was cancelled
	if err := s.history.Finish(context.WithoutCancel(ctx), run); err != nil {
		logger.WarnContext(ctx, "record run finish", "error", err)
	}
}

func (s *Service) execute(ctx context.Context, logger *slog.Logger, run *models.Run, req Request, deliver DeliverFunc) error {
	timer := &stageTimer{svc: s, ctx: ctx, run: run}
	defer timer.stop()

	return s.withScratchDir(func(dir string) error {
		timer.enter(models.StageExtracting)
		uploadPath := filepath.Join(dir, uploadName)
		digest, size, err := persistUpload(uploadPath, req.Dataset)
		if err != nil {
			return fmt.Errorf("persist upload: %w", err)
		}
		run.DatasetDigest, run.DatasetSize = digest, size

		extractDir := filepath.Join(dir, datasetDir)
		n, err := archive.Extract(uploadPath, extractDir, s.limits)
		if err != nil {
			return classifyExtract(err)
		}
		logger.DebugContext(ctx, "dataset extracted", "files", n, "bytes", size)

		timer.enter(models.StageTraining)
		handler := s.factory()
		if err := handler.FineTune(ctx, extractDir, req.Epochs, req.BatchSize); err != nil {
			return classifyHandler("fine-tune", err)
		}

		timer.enter(models.StageGenerating)
		table, err := handler.Generate(ctx)
		if err != nil {
			return classifyHandler("generate", err)
		}
		if table == nil {
			return fmt.Errorf("%w: generate returned no table", ErrCollaborator)
		}

		timer.enter(models.StagePackaging)
		outDir := filepath.Join(dir, outputDir)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		csvPath := filepath.Join(outDir, OutputEntryName)
		if err := tabular.WriteCSVFile(csvPath, table); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		zipPath := filepath.Join(dir, OutputArchiveName)
		if err := archive.WriteSingle(zipPath, csvPath, OutputEntryName); err != nil {
			return fmt.Errorf("package result: %w", err)
		}
		run.RowCount = table.Len()

		if deliver != nil {
			if err := deliver(zipPath); err != nil {
				return fmt.Errorf("deliver result: %w", err)
			}
		}
		return nil
	})
}

// persistUpload copies src to path and returns its BLAKE3 digest and size.
func persistUpload(path string, src io.Reader) (string, int64, error) {
	if src == nil {
		return "", 0, fmt.Errorf("%w: no dataset", ErrInvalidArchive)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := blake3.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), src)
	if err != nil {
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func classifyExtract(err error) error {
	switch {
	case errors.Is(err, archive.ErrInvalidArchive):
		return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	case errors.Is(err, archive.ErrUnsafePath):
		return fmt.Errorf("%w: %w", ErrUnsafeArchive, err)
	case errors.Is(err, archive.ErrArchiveTooLarge):
		return fmt.Errorf("%w: %w", ErrArchiveTooLarge, err)
	default:
		return fmt.Errorf("extract dataset: %w", err)
	}
}

func classifyHandler(op string, err error) error {
	switch {
	case errors.Is(err, modelhandler.ErrNoTrainingData):
		return fmt.Errorf("%w: %w", ErrNoTrainingData, err)
	case errors.Is(err, modelhandler.ErrInvalidParams):
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrCollaborator, op, err)
	}
}

// stageTimer moves a run between stages and observes how long each took.
type stageTimer struct {
	svc   *Service
	ctx   context.Context
	run   *models.Run
	start time.Time
}

func (t *stageTimer) enter(stage models.Stage) {
	t.stop()
	t.run.Stage = stage
	t.start = time.Now()
	if err := t.svc.history.SetStage(t.ctx, t.run.ID, stage); err != nil {
		slog.WarnContext(t.ctx, "record run stage", "run_id", t.run.ID, "stage", stage, "error", err)
	}
}

func (t *stageTimer) stop() {
	if t.start.IsZero() {
		return
	}
	t.svc.metrics.ObserveStage(string(t.run.Stage), time.Since(t.start))
	t.start = time.Time{}
}
