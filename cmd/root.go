package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "aerofuse",
	Short: "Satellite and ground pollutant fusion engine",
	Long:  "Ingests Sentinel-5P column extracts and OpenAQ station readings, matches them inside buffered footprints, and scores the matched pairs for cross-platform anomalies.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
