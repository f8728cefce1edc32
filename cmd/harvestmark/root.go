package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lewtec/harvestmark/harvest"
)

// rootCmd serves the annotation tool when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "harvestmark [folder|config.yaml]",
	Short: "Collaborative harvest-date annotation for farm image series",
	Long: strings.TrimSpace(`
Serve a web tool where annotators claim batches of farms and pick, for each
farm, the image showing the harvested field. Selections land in a shared CSV.
    `),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		harvest.SetupLogging(level)

		cfg, err := loadConfigArg(cmd, args)
		if err != nil {
			return err
		}

		app, err := harvest.NewApp(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("while starting application: %w", err)
		}
		defer app.Close()

		log.Info().
			Str("dataset", cfg.DatasetRoot).
			Int("farms", app.Index.Len()).
			Int("batch_size", cfg.BatchSize).
			Str("addr", cfg.Addr).
			Msg("serving")

		return http.ListenAndServe(cfg.Addr, app.Handler())
	},
}

// loadConfigArg resolves the configuration the same way for every command:
// a folder argument means "project directory" (config.yaml inside, created
// if absent), a file argument is the config itself, no argument falls back
// to --config.
func loadConfigArg(cmd *cobra.Command, args []string) (*harvest.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")

	if len(args) == 1 {
		arg := args[0]
		if stat, err := os.Stat(arg); err == nil && stat.IsDir() {
			configFile = filepath.Join(arg, "config.yaml")
			if _, err := os.Stat(configFile); os.IsNotExist(err) {
				log.Info().Str("config", configFile).Msg("creating default config")
				if err := createSampleConfig(configFile, arg); err != nil {
					return nil, fmt.Errorf("while creating config: %w", err)
				}
			}
		} else {
			configFile = arg
		}
	}
	if configFile == "" {
		return nil, fmt.Errorf("either provide a folder/config argument or use --config")
	}

	cfg, err := harvest.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("while loading config %s: %w", configFile, err)
	}
	return cfg, nil
}

func createSampleConfig(filename, datasetDir string) error {
	sample := fmt.Sprintf(`# harvestmark configuration file

meta:
  title: "Harvest annotation"
  description: |
    For each farm, pick the image where the field has been harvested.

addr: ":8080"

# One subdirectory per farm, one image per available month.
dataset_root: %q

# How many farms each claimable batch holds.
batch_size: 25

# Re-queue batches finished with skipped farms instead of completing them.
requeue_skipped: false

# Login roster. Empty means any non-empty name may log in.
annotators: []

cache:
  dir: thumbnail_cache
  capacity_bytes: 268435456
  render_timeout: 10s
`, datasetDir)

	return os.WriteFile(filename, []byte(sample), 0644)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file for the project")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
}
