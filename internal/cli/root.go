package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"synthtune/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	logFile    string

	logCloser io.Closer
)

var RootCmd = &cobra.Command{
	Use:          "synthtune",
	Short:        "Fine-tune a tabular model on an uploaded dataset and return synthetic data.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SYNTHTUNE_CONFIG"), "path to a JSON config file")
	RootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "set log level to debug, info, warn or error (case-insensitive)")
	RootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "json", "set log format to json or text")
	RootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also append logs to this file")
	RootCmd.DisableAutoGenTag = true

	cobra.OnInitialize(func() {
		closer, err := setupLog(os.Stdout, logLevel, logFormat, logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v, logging to stdout only\n", err)
		}
		logCloser = closer
	})

	RootCmd.AddCommand(serveCmd, generateCmd, runsCmd)
}

// Execute runs the root command.
func Execute() error {
	defer func() {
		if logCloser != nil {
			logCloser.Close()
			logCloser = nil
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// cobra only hands the root context to subcommands that have none yet.
	for _, c := range RootCmd.Commands() {
		c.SetContext(ctx)
	}
	return RootCmd.ExecuteContext(ctx)
}

// setupLog installs the default logger. When file is set, records fan out to
// out and the file.
func setupLog(out io.Writer, lvl, format, file string) (io.Closer, error) {
	level := slog.LevelInfo.Level()
	if len(lvl) > 0 {
		// level stays INFO if the input is invalid
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			fmt.Fprintln(os.Stderr, "input invalid log level, use default log level INFO")
		}
	}
	opt := &slog.HandlerOptions{AddSource: false, Level: level}
	newHandler := func(w io.Writer) slog.Handler {
		if format == "json" {
			return slog.NewJSONHandler(w, opt)
		}
		return slog.NewTextHandler(w, opt)
	}

	handler := newHandler(out)
	var (
		closer  io.Closer
		fileErr error
	)
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fileErr = err
		} else {
			handler = slogmulti.Fanout(handler, newHandler(f))
			closer = f
		}
	}
	slog.SetDefault(slog.New(handler))
	return closer, fileErr
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
