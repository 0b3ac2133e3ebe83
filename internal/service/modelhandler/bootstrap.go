package modelhandler

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"synthtune/internal/config"
	"synthtune/internal/models"
)

// Bootstrap is the built-in baseline: it learns each column's observed
// values and samples every cell independently. Output is deterministic for
// a given seed and dataset.
type Bootstrap struct {
	seed uint64
	rows int

	batchSize int
	columns   []string
	values    [][]string
	trained   int
}

func NewBootstrap(cfg config.BootstrapConfig) *Bootstrap {
	return &Bootstrap{seed: cfg.Seed, rows: cfg.Rows}
}

func (b *Bootstrap) FineTune(ctx context.Context, datasetDir string, epochs, batchSize int) error {
	if err := checkParams(epochs, batchSize); err != nil {
		return err
	}
	tbl, err := loadDataset(ctx, datasetDir)
	if err != nil {
		return err
	}

	values := make([][]string, tbl.Width())
	for c := range values {
		values[c] = make([]string, 0, tbl.Len())
	}
	for _, row := range tbl.Rows {
		for c, cell := range row {
			values[c] = append(values[c], cell)
		}
	}

	b.columns = tbl.Columns
	b.values = values
	b.trained = tbl.Len()
	b.batchSize = batchSize
	slog.InfoContext(ctx, "bootstrap model fitted",
		slog.Int("columns", len(b.columns)),
		slog.Int("rows", b.trained),
		slog.Int("epochs", epochs),
		slog.Int("batch_size", batchSize))
	return nil
}

func (b *Bootstrap) Generate(ctx context.Context) (*models.Table, error) {
	if b.columns == nil {
		return nil, ErrNotTrained
	}
	n := b.rows
	if n <= 0 {
		n = b.trained
	}

	out := &models.Table{
		Columns: append([]string(nil), b.columns...),
		Rows:    make([][]string, 0, n),
	}
	for batch := 0; len(out.Rows) < n; batch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewPCG(b.seed, uint64(batch)))
		for i := 0; i < b.batchSize && len(out.Rows) < n; i++ {
			row := make([]string, len(b.columns))
			for c, observed := range b.values {
				row[c] = observed[rng.IntN(len(observed))]
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}
