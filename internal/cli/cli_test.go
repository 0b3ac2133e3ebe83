package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"synthtune/internal/models"
)

func writeDatasetZip(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "dataset.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("data/train.csv")
	require.NoError(t, err)
	_, err = io.WriteString(w, "age,city\n31,Oslo\n42,Lima\n27,Kyiv\n55,Pune\n38,Nice\n")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(io.Discard)
	RootCmd.SetArgs(args)
	t.Cleanup(func() {
		RootCmd.SetArgs(nil)
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
		runsID = ""
		genModelType = ""
	})
	err := Execute()
	return out.String(), err
}

func TestGenerateAndListRuns(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, map[string]any{
		"model_type":   "default",
		"basic_config": map[string]any{"work_dir": filepath.Join(dir, "work")},
		"database":     map[string]any{"driver": "sqlite3", "dsn": "runs.db"},
	})
	dataset := writeDatasetZip(t, dir)
	out := filepath.Join(dir, "out", "result.zip")

	stdout, err := execute(t, "generate", "--config", cfgPath, "--log-level", "error",
		"--dataset", dataset, "--out", out, "--epochs", "2", "--batch-size", "2")
	require.NoError(t, err)

	var run models.Run
	require.NoError(t, json.Unmarshal([]byte(stdout), &run))
	require.Equal(t, models.RunSucceeded, run.Status)
	require.Equal(t, 5, run.RowCount)
	require.Equal(t, 2, run.Epochs)

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	require.Equal(t, "synthetic_data.csv", zr.File[0].Name)
	zr.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "work", "synthtune-*"))
	require.NoError(t, err)
	require.Empty(t, matches)

	stdout, err = execute(t, "runs", "--config", cfgPath, "--log-level", "error", "--limit", "5")
	require.NoError(t, err)
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	var lines int
	for scanner.Scan() {
		var listed models.Run
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &listed))
		require.Equal(t, run.ID, listed.ID)
		lines++
	}
	require.Equal(t, 1, lines)

	stdout, err = execute(t, "runs", "--config", cfgPath, "--log-level", "error", "--id", run.ID)
	require.NoError(t, err)
	require.Contains(t, stdout, run.ID)
}

func TestExecuteTwiceRunsSubcommandsWithLiveContext(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, map[string]any{
		"basic_config": map[string]any{"work_dir": filepath.Join(dir, "work")},
		"database":     map[string]any{"driver": "sqlite3", "dsn": "runs.db"},
	})
	dataset := writeDatasetZip(t, dir)

	for i := range 2 {
		_, err := execute(t, "generate", "--config", cfgPath, "--log-level", "error",
			"--dataset", dataset, "--out", filepath.Join(dir, "out", "result.zip"))
		require.NoError(t, err, "generate #%d", i+1)
	}
	stdout, err := execute(t, "runs", "--config", cfgPath, "--log-level", "error")
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(stdout, "\n"))
}

func TestGenerateRejectsOtherModelType(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, map[string]any{
		"model_type": "default",
		"database":   map[string]any{"driver": "none"},
	})
	_, err := execute(t, "generate", "--config", cfgPath, "--log-level", "error",
		"--dataset", writeDatasetZip(t, dir), "--model-type", "other", "--out", filepath.Join(dir, "x.zip"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "other")
}

func TestRunsWithHistoryDisabled(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, map[string]any{"database": map[string]any{"driver": "none"}})
	_, err := execute(t, "runs", "--config", cfgPath, "--log-level", "error")
	require.Error(t, err)
}

func TestSetupLogFansOutToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logPath := filepath.Join(t.TempDir(), "synthtune.log")
	var stdout bytes.Buffer
	closer, err := setupLog(&stdout, "debug", "json", logPath)
	require.NoError(t, err)
	require.NotNil(t, closer)

	slog.Debug("hello", "k", "v")
	require.NoError(t, closer.Close())

	fileData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, stdout.String(), `"msg":"hello"`)
	require.Contains(t, string(fileData), `"msg":"hello"`)
}

func TestSetupLogInvalidLevelDefaultsToInfo(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var stdout bytes.Buffer
	closer, err := setupLog(&stdout, "loud", "text", "")
	require.NoError(t, err)
	require.Nil(t, closer)

	slog.Debug("hidden")
	slog.Info("shown")
	require.NotContains(t, stdout.String(), "hidden")
	require.Contains(t, stdout.String(), "shown")
}
