package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"synthtune/internal/archive"
	"synthtune/internal/config"
	"synthtune/internal/metrics"
	"synthtune/internal/redis"
	"synthtune/internal/service/history"
	"synthtune/internal/service/modelhandler"
	"synthtune/internal/service/pipeline"
	"synthtune/internal/storage"
	"synthtune/internal/worker"
)

// deps holds the long lived resources shared by the commands.
type deps struct {
	db      *sql.DB
	rdb     *redis.Client
	history *history.Service
}

// openDeps connects run history storage. With the "none" driver history is
// disabled and a nil *history.Service is returned.
func openDeps(cfg *config.Config) (*deps, error) {
	d := &deps{}
	if cfg.Database.Driver == "none" {
		slog.Info("run history disabled")
		return d, nil
	}
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	d.db = db

	stages := history.NewMemoryStages()
	if cfg.Redis.Host != "" {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		d.rdb = rdb
		stages = history.NewRedisStages(rdb, history.DefaultStageTTL)
	}
	d.history = history.NewService(db, stages)
	slog.Info("run history enabled", "driver", cfg.Database.Driver, "redis", cfg.Redis.Host != "")
	return d, nil
}

func (d *deps) Close() {
	if d.rdb != nil {
		d.rdb.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

// newPipeline builds the model handler factory and the pipeline around it.
func newPipeline(ctx context.Context, cfg *config.Config, hist *history.Service, dispatcher *worker.Dispatcher, m *metrics.Metrics) (*pipeline.Service, error) {
	factory, err := modelhandler.New(ctx, cfg.Handler)
	if err != nil {
		return nil, fmt.Errorf("init model handler: %w", err)
	}
	if cfg.Handler.Kind == "remote" {
		if err := modelhandler.NewRemoteClient(cfg.Handler.Remote).WaitReady(ctx); err != nil {
			return nil, fmt.Errorf("training sidecar not ready: %w", err)
		}
	}
	slog.Info("model handler ready", "kind", cfg.Handler.Kind, "model_type", cfg.ModelType)

	return pipeline.NewService(factory, pipeline.Options{
		WorkDir: cfg.BasicConfig.WorkDir,
		Limits: archive.Limits{
			MaxEntries:           cfg.BasicConfig.MaxArchiveEntries,
			MaxUncompressedBytes: cfg.BasicConfig.ExtractLimit(),
		},
		History:    hist,
		Dispatcher: dispatcher,
		Metrics:    m,
	}), nil
}
