package modelhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"synthtune/internal/config"
	"synthtune/internal/models"
	"synthtune/internal/tabular"
)

var (
	// ErrNotTrained is returned by Generate when FineTune has not succeeded.
	ErrNotTrained = errors.New("model has not been fine-tuned")
	// ErrNoTrainingData is returned when the dataset directory holds no
	// usable CSV or parquet rows.
	ErrNoTrainingData = errors.New("dataset contains no usable training data")
	ErrInvalidParams  = errors.New("epochs and batch size must be positive")
)

// ModelHandler fine-tunes a model on a dataset directory and then generates
// a synthetic table from it. A handler serves exactly one request.
type ModelHandler interface {
	FineTune(ctx context.Context, datasetDir string, epochs, batchSize int) error
	Generate(ctx context.Context) (*models.Table, error)
}

// Factory returns a fresh handler for one request.
type Factory func() ModelHandler

// New builds the factory for the configured handler kind.
func New(ctx context.Context, cfg config.HandlerConfig) (Factory, error) {
	switch cfg.Kind {
	case "bootstrap", "":
		bc := cfg.Bootstrap
		return func() ModelHandler { return NewBootstrap(bc) }, nil
	case "remote":
		client := NewRemoteClient(cfg.Remote)
		return func() ModelHandler { return &remoteHandler{client: client} }, nil
	case "llm":
		chat, err := newChatModel(ctx, cfg.LLM)
		if err != nil {
			return nil, err
		}
		rows := cfg.LLM.Rows
		return func() ModelHandler { return NewLLM(chat, rows) }, nil
	default:
		return nil, fmt.Errorf("invalid handler kind: %s", cfg.Kind)
	}
}

func checkParams(epochs, batchSize int) error {
	if epochs <= 0 || batchSize <= 0 {
		return fmt.Errorf("%w: epochs=%d batch_size=%d", ErrInvalidParams, epochs, batchSize)
	}
	return nil
}

// loadDataset reads every dataset file under dir and concatenates the rows
// of files whose header matches the first file's.
func loadDataset(ctx context.Context, dir string) (*models.Table, error) {
	paths, err := tabular.Discover(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoTrainingData
	}
	tables, err := tabular.Load(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	merged := &models.Table{}
	for i, t := range tables {
		if t.Width() == 0 {
			slog.WarnContext(ctx, "skipping dataset file without header", slog.String("file", paths[i]))
			continue
		}
		if merged.Columns == nil {
			merged.Columns = t.Columns
		}
		if !slices.Equal(t.Columns, merged.Columns) {
			slog.WarnContext(ctx, "skipping dataset file with mismatched header",
				slog.String("file", paths[i]),
				slog.Any("want", merged.Columns),
				slog.Any("got", t.Columns))
			continue
		}
		merged.Rows = append(merged.Rows, t.Rows...)
	}
	if merged.Len() == 0 || merged.Width() == 0 {
		return nil, ErrNoTrainingData
	}
	return merged, nil
}
