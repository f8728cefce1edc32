package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lewtec/harvestmark/harvest"
	"github.com/lewtec/harvestmark/internal/repository"
)

// statusCmd prints batch and session state without starting the server.
var statusCmd = &cobra.Command{
	Use:   "status [folder|config.yaml]",
	Short: "Print batch claim state and annotator progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		harvest.SetupLogging(level)

		cfg, err := loadConfigArg(cmd, args)
		if err != nil {
			return err
		}

		db, err := repository.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("while opening database: %w", err)
		}
		defer db.Close()

		batches, err := repository.NewBatchRepository(db).List(cmd.Context())
		if err != nil {
			return err
		}
		sessions, err := repository.NewSessionRepository(db).ListSessions(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BATCH\tSTATUS\tCLAIMANT\tCLAIMED AT\tFARMS")
		for _, b := range batches {
			claimedAt := ""
			if b.ClaimedAt != nil {
				claimedAt = b.ClaimedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", b.ID, b.Status, b.Claimant, claimedAt, len(b.FarmIDs))
		}
		w.Flush()

		if len(sessions) > 0 {
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ANNOTATOR\tBATCH\tCURSOR\tVISITED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.Annotator, s.BatchID, s.Cursor, s.Visited)
			}
			w.Flush()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
