package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"synthtune/internal/service/pipeline"
)

var (
	genDataset   string
	genOut       string
	genModelType string
	genEpochs    int
	genBatchSize int
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run fine-tune and generate once on a local dataset archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		modelType := genModelType
		if modelType == "" {
			modelType = cfg.ModelType
		}
		if modelType != cfg.ModelType {
			return fmt.Errorf("model type %s not supported by this container", modelType)
		}

		d, err := openDeps(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		svc, err := newPipeline(cmd.Context(), cfg, d.history, nil, nil)
		if err != nil {
			return err
		}

		in, err := os.Open(genDataset)
		if err != nil {
			return fmt.Errorf("open dataset: %w", err)
		}
		defer in.Close()

		run, err := svc.Run(cmd.Context(), pipeline.Request{
			Dataset:   in,
			ModelType: modelType,
			Epochs:    genEpochs,
			BatchSize: genBatchSize,
		}, func(archivePath string) error {
			return copyFile(archivePath, genOut)
		})
		if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(run); encErr != nil && err == nil {
			err = encErr
		}
		return err
	},
}

func init() {
	generateCmd.Flags().StringVar(&genDataset, "dataset", "", "path to the dataset zip archive")
	generateCmd.Flags().StringVar(&genOut, "out", pipeline.OutputArchiveName, "where to write the result archive")
	generateCmd.Flags().StringVar(&genModelType, "model-type", "", "model type, defaults to the configured one")
	generateCmd.Flags().IntVar(&genEpochs, "epochs", pipeline.DefaultEpochs, "fine-tune epochs")
	generateCmd.Flags().IntVar(&genBatchSize, "batch-size", pipeline.DefaultBatchSize, "fine-tune batch size")
	_ = generateCmd.MarkFlagRequired("dataset")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
