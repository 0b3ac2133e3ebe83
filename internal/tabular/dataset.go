package tabular

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-pay/errgroup"

	"synthtune/internal/models"
)

const (
	datasetPattern      = "**/*.{csv,parquet}"
	notesPattern        = "**/*.{md,txt}"
	fileReadConcurrency = 8
)

// Discover lists the CSV and parquet files under dir, sorted, as absolute
// paths. Hidden files and macOS resource forks are skipped.
func Discover(dir string) ([]string, error) {
	return discover(dir, datasetPattern)
}

// DiscoverNotes lists free-text files (markdown, plain text) shipped next to
// the data, such as a README or data dictionary.
func DiscoverNotes(dir string) ([]string, error) {
	return discover(dir, notesPattern)
}

func discover(dir, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", pattern, err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if skipDatasetPath(m) {
			continue
		}
		out = append(out, filepath.Join(dir, filepath.FromSlash(m)))
	}
	slices.Sort(out)
	return out, nil
}

func skipDatasetPath(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if part == "__MACOSX" || strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// ReadFile loads one dataset file, choosing the reader by extension.
func ReadFile(p string) (*models.Table, error) {
	switch strings.ToLower(path.Ext(filepath.ToSlash(p))) {
	case ".csv":
		return ReadCSVFile(p)
	case ".parquet":
		return ReadParquet(p)
	default:
		return nil, fmt.Errorf("unsupported dataset file %s", p)
	}
}

// Load reads the given files concurrently. The result is in input order.
// A CSV file without a header row loads as an empty table.
func Load(ctx context.Context, paths []string) ([]*models.Table, error) {
	tables := make([]*models.Table, len(paths))
	var base int
	for chunk := range slices.Chunk(paths, fileReadConcurrency) {
		g := errgroup.WithContext(ctx)
		for i := range chunk {
			index := base + i
			g.Go(func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				t, err := ReadFile(paths[index])
				if errors.Is(err, ErrNoHeader) {
					tables[index] = &models.Table{}
					return nil
				}
				if err != nil {
					return err
				}
				tables[index] = t
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		base += len(chunk)
	}
	return tables, nil
}
