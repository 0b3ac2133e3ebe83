package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthtune/internal/archive"
	"synthtune/internal/config"
	"synthtune/internal/metrics"
	"synthtune/internal/models"
	"synthtune/internal/service/history"
	"synthtune/internal/service/modelhandler"
	"synthtune/internal/storage"
	"synthtune/internal/worker"
)

type fakeHandler struct {
	mu        sync.Mutex
	dirs      []string
	entries   [][]string
	epochs    int
	batchSize int
	table     *models.Table
	tuneErr   error
	genErr    error
}

func (f *fakeHandler) FineTune(_ context.Context, dir string, epochs, batchSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, dir)
	des, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	f.entries = append(f.entries, names)
	f.epochs, f.batchSize = epochs, batchSize
	return f.tuneErr
}

func (f *fakeHandler) Generate(context.Context) (*models.Table, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	return f.table, nil
}

func (f *fakeHandler) factory() modelhandler.Factory {
	return func() modelhandler.ModelHandler { return f }
}

func fiveRows() *models.Table {
	return &models.Table{
		Columns: []string{"age", "city"},
		Rows: [][]string{
			{"31", "Oslo"}, {"42", "Lima"}, {"27", "Kyiv"}, {"55", "Pune"}, {"38", "Nice"},
		},
	}
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readResult(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = data
	}
	return out
}

func scratchDirs(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, scratchPattern))
	require.NoError(t, err)
	return matches
}

const trainCSV = "age,city\n31,Oslo\n42,Lima\n27,Kyiv\n55,Pune\n38,Nice\n"

func TestRunProducesSyntheticArchive(t *testing.T) {
	workDir := t.TempDir()
	fake := &fakeHandler{table: fiveRows()}
	m := metrics.New()
	svc := NewService(fake.factory(), Options{WorkDir: workDir, Metrics: m})

	var result map[string][]byte
	run, err := svc.Run(context.Background(), Request{
		Dataset:   bytes.NewReader(zipBytes(t, map[string]string{"train.csv": trainCSV})),
		ModelType: "default",
		Epochs:    1,
		BatchSize: 8,
	}, func(path string) error {
		result = readResult(t, path)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, models.StageDone, run.Stage)
	assert.Equal(t, 5, run.RowCount)
	assert.Len(t, run.DatasetDigest, 64)
	assert.Positive(t, run.DatasetSize)
	assert.NotNil(t, run.FinishedAt)

	require.Len(t, result, 1)
	assert.Equal(t, "age,city\n31,Oslo\n42,Lima\n27,Kyiv\n55,Pune\n38,Nice\n", string(result[OutputEntryName]))

	assert.Equal(t, 1, fake.epochs)
	assert.Equal(t, 8, fake.batchSize)
	assert.Equal(t, []string{"train.csv"}, fake.entries[0])

	assert.Empty(t, scratchDirs(t, workDir))
	assert.NoDirExists(t, fake.dirs[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RunsInFlight))
}

func TestRunDefaultsHyperparameters(t *testing.T) {
	fake := &fakeHandler{table: fiveRows()}
	svc := NewService(fake.factory(), Options{WorkDir: t.TempDir()})

	run, err := svc.Run(context.Background(), Request{
		Dataset: bytes.NewReader(zipBytes(t, map[string]string{"train.csv": trainCSV})),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultEpochs, fake.epochs)
	assert.Equal(t, DefaultBatchSize, fake.batchSize)
	assert.Equal(t, DefaultEpochs, run.Epochs)
}

func TestRunIsIdempotentWithDeterministicHandler(t *testing.T) {
	fake := &fakeHandler{table: fiveRows()}
	svc := NewService(fake.factory(), Options{WorkDir: t.TempDir()})
	payload := zipBytes(t, map[string]string{"train.csv": trainCSV})

	var outputs [][]byte
	var digests []string
	for i := 0; i < 2; i++ {
		run, err := svc.Run(context.Background(), Request{Dataset: bytes.NewReader(payload), ModelType: "default"},
			func(path string) error {
				outputs = append(outputs, readResult(t, path)[OutputEntryName])
				return nil
			})
		require.NoError(t, err)
		digests = append(digests, run.DatasetDigest)
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, digests[0], digests[1])
}

func TestRunEmptyArchiveReachesFineTune(t *testing.T) {
	fake := &fakeHandler{table: &models.Table{Columns: []string{"a"}}}
	svc := NewService(fake.factory(), Options{WorkDir: t.TempDir()})

	run, err := svc.Run(context.Background(), Request{Dataset: bytes.NewReader(zipBytes(t, nil))}, nil)
	require.NoError(t, err)
	require.Len(t, fake.dirs, 1)
	assert.Empty(t, fake.entries[0])
	assert.Equal(t, 0, run.RowCount)
}

func TestRunErrorsAreClassifiedAndCleanedUp(t *testing.T) {
	tests := []struct {
		name    string
		payload func(t *testing.T) []byte
		limits  archive.Limits
		handler *fakeHandler
		want    error
		msg     string
	}{
		{
			name:    "not a zip",
			payload: func(*testing.T) []byte { return []byte("definitely not a zip") },
			handler: &fakeHandler{table: fiveRows()},
			want:    ErrInvalidArchive,
			msg:     ErrInvalidArchive.Error(),
		},
		{
			name: "traversal entry",
			payload: func(t *testing.T) []byte {
				return zipBytes(t, map[string]string{"../evil.csv": "a\n1\n"})
			},
			handler: &fakeHandler{table: fiveRows()},
			want:    ErrUnsafeArchive,
			msg:     ErrUnsafeArchive.Error(),
		},
		{
			name: "too many entries",
			payload: func(t *testing.T) []byte {
				return zipBytes(t, map[string]string{"a.csv": "a\n", "b.csv": "b\n"})
			},
			limits:  archive.Limits{MaxEntries: 1},
			handler: &fakeHandler{table: fiveRows()},
			want:    ErrArchiveTooLarge,
			msg:     ErrArchiveTooLarge.Error(),
		},
		{
			name: "no training data",
			payload: func(t *testing.T) []byte {
				return zipBytes(t, map[string]string{"readme.txt": "hi"})
			},
			handler: &fakeHandler{tuneErr: modelhandler.ErrNoTrainingData},
			want:    ErrNoTrainingData,
			msg:     ErrNoTrainingData.Error(),
		},
		{
			name: "fine-tune failure",
			payload: func(t *testing.T) []byte {
				return zipBytes(t, map[string]string{"train.csv": trainCSV})
			},
			handler: &fakeHandler{tuneErr: errors.New("gpu on fire at /secret/path")},
			want:    ErrCollaborator,
			msg:     ErrCollaborator.Error(),
		},
		{
			name: "generate failure",
			payload: func(t *testing.T) []byte {
				return zipBytes(t, map[string]string{"train.csv": trainCSV})
			},
			handler: &fakeHandler{genErr: errors.New("sampler diverged")},
			want:    ErrCollaborator,
			msg:     ErrCollaborator.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workDir := t.TempDir()
			svc := NewService(tt.handler.factory(), Options{WorkDir: workDir, Limits: tt.limits})

			delivered := false
			run, err := svc.Run(context.Background(), Request{Dataset: bytes.NewReader(tt.payload(t))},
				func(string) error { delivered = true; return nil })
			require.ErrorIs(t, err, tt.want)
			assert.False(t, delivered)
			assert.Equal(t, models.RunFailed, run.Status)
			assert.Equal(t, tt.msg, run.Error)
			assert.NotContains(t, run.Error, "/secret/path")
			assert.Empty(t, scratchDirs(t, workDir))
		})
	}
}

func TestRunDeliveryFailureCleansUp(t *testing.T) {
	workDir := t.TempDir()
	fake := &fakeHandler{table: fiveRows()}
	svc := NewService(fake.factory(), Options{WorkDir: workDir})

	run, err := svc.Run(context.Background(), Request{
		Dataset: bytes.NewReader(zipBytes(t, map[string]string{"train.csv": trainCSV})),
	}, func(string) error { return errors.New("client went away") })
	require.Error(t, err)
	assert.Equal(t, internalMessage, run.Error)
	assert.Equal(t, models.StagePackaging, run.Stage)
	assert.Empty(t, scratchDirs(t, workDir))
}

func TestRunRejectsNegativeParams(t *testing.T) {
	fake := &fakeHandler{table: fiveRows()}
	svc := NewService(fake.factory(), Options{WorkDir: t.TempDir()})

	_, err := svc.Run(context.Background(), Request{Dataset: bytes.NewReader(nil), Epochs: -1}, nil)
	require.ErrorIs(t, err, ErrInvalidParams)
	assert.Empty(t, fake.dirs)
}

func TestRunRecordsHistory(t *testing.T) {
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	hist := history.NewService(db, nil)

	fake := &fakeHandler{table: fiveRows()}
	svc := NewService(fake.factory(), Options{WorkDir: t.TempDir(), History: hist})

	run, err := svc.Run(context.Background(), Request{
		RunID:     "fixed-run-id",
		Dataset:   bytes.NewReader(zipBytes(t, map[string]string{"train.csv": trainCSV})),
		ModelType: "default",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-run-id", run.ID)

	stored, err := hist.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, stored.Status)
	assert.Equal(t, models.StageDone, stored.Stage)
	assert.Equal(t, 5, stored.RowCount)
	assert.Equal(t, run.DatasetDigest, stored.DatasetDigest)
}

func TestRunThroughDispatcher(t *testing.T) {
	d := worker.NewDispatcher(worker.DispatcherConfig{MaxWorkers: 2, QueueSize: 4})
	defer d.Stop()

	fake := &fakeHandler{table: fiveRows()}
	svc := NewService(fake.factory(), Options{WorkDir: t.TempDir(), Dispatcher: d})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Run(context.Background(), Request{
				Dataset: bytes.NewReader(zipBytes(t, map[string]string{"train.csv": trainCSV})),
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, fake.dirs, 3)
}

func TestSweepScratchRemovesStaleDirs(t *testing.T) {
	workDir := t.TempDir()
	svc := NewService(nil, Options{WorkDir: workDir})

	stale := filepath.Join(workDir, "synthtune-stale")
	fresh := filepath.Join(workDir, "synthtune-fresh")
	active := filepath.Join(workDir, "synthtune-active")
	other := filepath.Join(workDir, "unrelated")
	for _, dir := range []string{stale, fresh, active, other} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	old := time.Now().Add(-48 * time.Hour)
	for _, dir := range []string{stale, active, other} {
		require.NoError(t, os.Chtimes(dir, old, old))
	}
	svc.active.Store(active, struct{}{})

	n, err := svc.sweepScratch(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.DirExists(t, active)
	assert.DirExists(t, other)
}

func TestClientMessage(t *testing.T) {
	assert.Equal(t, "", ClientMessage(nil))
	assert.Equal(t, internalMessage, ClientMessage(errors.New("open /var/data: permission denied")))
	assert.Equal(t, ErrBusy.Error(), ClientMessage(worker.ErrDispatcherBusy))
	assert.Equal(t, ErrCollaborator.Error(), ClientMessage(classifyHandler("generate", errors.New("boom"))))
}
