package main

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v6/osfs"
	"github.com/spf13/cobra"

	"github.com/lewtec/harvestmark/harvest"
	"github.com/lewtec/harvestmark/internal/index"
)

// indexCmd rebuilds the farm index artifact from the dataset.
var indexCmd = &cobra.Command{
	Use:   "index [folder|config.yaml]",
	Short: "Rescan the dataset and rewrite the farm index",
	Long: `Rescan the dataset directory and rewrite the farm index artifact,
discarding any existing one. Use after adding or removing farm images.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		harvest.SetupLogging(level)

		cfg, err := loadConfigArg(cmd, args)
		if err != nil {
			return err
		}

		root, err := filepath.Abs(cfg.DatasetRoot)
		if err != nil {
			return err
		}
		indexPath, err := filepath.Abs(cfg.IndexPath)
		if err != nil {
			return err
		}

		fsys := osfs.New("/")
		ix, err := index.Build(fsys, root)
		if err != nil {
			return fmt.Errorf("while scanning dataset: %w", err)
		}
		if err := ix.Save(fsys, indexPath); err != nil {
			return fmt.Errorf("while writing index: %w", err)
		}

		fmt.Printf("Indexed %d farms into %s\n", ix.Len(), indexPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
