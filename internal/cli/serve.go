package cli

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"synthtune/internal/api"
	"synthtune/internal/metrics"
	"synthtune/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		d, err := openDeps(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		basic := cfg.BasicConfig
		dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
			MinWorkers:        basic.MinWorkers,
			MaxWorkers:        basic.MaxWorkers,
			QueueSize:         basic.QueueSize,
			WorkerIdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Minute,
		})
		defer dispatcher.Stop()

		m := metrics.New()
		svc, err := newPipeline(ctx, cfg, d.history, dispatcher, m)
		if err != nil {
			return err
		}
		svc.StartScratchSweeper(ctx,
			time.Duration(basic.ScratchSweepInterval)*time.Minute,
			time.Duration(basic.ScratchTTL)*time.Minute)

		gin.SetMode(gin.ReleaseMode)
		handler := api.NewHandler(cfg.ModelType, svc, api.HandlerOptions{
			History:        d.history,
			MaxUploadBytes: basic.UploadLimit(),
		})
		router := api.NewRouter(handler, api.RouterOptions{
			Metrics:     m,
			CORSOrigins: basic.CORSOrigins,
			EnablePprof: basic.EnablePprof,
		})

		server := api.NewGracefulServer(basic.ServerAddress, router,
			time.Duration(basic.ShutdownTimeout)*time.Second)
		return server.Run(ctx)
	},
}
