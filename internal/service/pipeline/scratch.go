package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	scratchPattern = "synthtune-*"

	DefaultScratchSweepInterval = time.Hour
	DefaultScratchTTL           = 24 * time.Hour
)

// withScratchDir runs fn with a fresh directory under base and removes the
// directory with all its contents when fn returns, whatever the outcome.
func (s *Service) withScratchDir(fn func(dir string) error) (err error) {
	base := s.workDir
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return err
		}
	}
	dir, err := os.MkdirTemp(base, scratchPattern)
	if err != nil {
		return err
	}
	s.active.Store(dir, struct{}{})
	defer func() {
		s.active.Delete(dir)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Error("remove scratch dir", "dir", dir, "error", rmErr)
			if err == nil {
				err = rmErr
			}
		}
	}()
	return fn(dir)
}

// StartScratchSweeper periodically removes scratch directories older than
// ttl that no run owns, such as those left behind by a crash.
func (s *Service) StartScratchSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultScratchSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultScratchTTL
	}
	go s.sweepLoop(ctx, interval, ttl)
}

func (s *Service) sweepLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.sweepScratch(ttl); err != nil {
				slog.Warn("sweep scratch dirs", "error", err)
			} else if n > 0 {
				slog.Info("swept stale scratch dirs", "count", n)
			}
		}
	}
}

func (s *Service) sweepScratch(ttl time.Duration) (int, error) {
	base := s.workDir
	if base == "" {
		base = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(base, scratchPattern))
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, dir := range matches {
		if _, busy := s.active.Load(dir); busy {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || !strings.HasPrefix(info.Name(), "synthtune-") {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("remove stale scratch dir", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
