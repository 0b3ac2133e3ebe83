package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"

	"synthtune/internal/metrics"
)

type RouterOptions struct {
	Metrics     *metrics.Metrics
	CORSOrigins []string
	EnablePprof bool
}

// NewRouter builds the engine with middleware, handler routes, /metrics and
// the optional debug routes.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(opts.Metrics))
	r.Use(Log())
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost},
			AllowHeaders:  []string{"Origin", "Content-Type"},
			ExposeHeaders: []string{runIDHeader, "Content-Disposition"},
			MaxAge:        12 * time.Hour,
		}))
	}
	if opts.EnablePprof {
		debugGroup := r.Group("/debug")
		pprof.RouteRegister(debugGroup, "pprof")
	}
	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	h.RegisterRoutes(r)
	return r
}

// GracefulServer is an HTTP server that drains in-flight requests on
// SIGINT, SIGTERM or context cancellation.
type GracefulServer struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func NewGracefulServer(addr string, handler http.Handler, shutdownTimeout time.Duration) *GracefulServer {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 30 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// Run starts the server and blocks until it has shut down.
func (s *GracefulServer) Run(ctx context.Context) error {
	q := make(chan os.Signal, 1)
	signal.Notify(q, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(q)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err, ok := <-listenErr:
		if ok {
			slog.Error("listen failed", slog.Any("error", err))
			return err
		}
		return nil
	case <-q:
	case <-ctx.Done():
	}

	slog.Info("shutting down gracefully", "timeout", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server failed to shutdown", slog.Any("error", err))
		return err
	}
	slog.Info("server stopped")
	return nil
}
