package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"synthtune/internal/models"
	"synthtune/internal/service/history"
)

var (
	runsLimit int
	runsID    string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Print recorded runs as JSON lines, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDeps(cfg)
		if err != nil {
			return err
		}
		defer d.Close()
		if d.history == nil {
			return history.ErrDisabled
		}

		var runs []*models.Run
		if runsID != "" {
			run, err := d.history.Get(cmd.Context(), runsID)
			if err != nil {
				return fmt.Errorf("run %s: %w", runsID, err)
			}
			runs = append(runs, run)
		} else {
			runs, err = d.history.List(cmd.Context(), runsLimit)
			if err != nil {
				return err
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, run := range runs {
			if err := enc.Encode(run); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", history.DefaultListLimit, "number of runs to print")
	runsCmd.Flags().StringVar(&runsID, "id", "", "print a single run")
}
