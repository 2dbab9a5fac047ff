package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/report"
)

var statsHours int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Games and distinct decks seen per format and class",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsHours, "hours", 24, "lookback window in hours")
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsHours <= 0 {
		return fmt.Errorf("--hours must be positive")
	}
	ctx := context.Background()
	e, err := openEnv(ctx, nil)
	if err != nil {
		return err
	}
	defer e.close()

	stats, err := e.orch.Stats(ctx, time.Now().Add(-time.Duration(statsHours)*time.Hour))
	if err != nil {
		return fmt.Errorf("read counters: %w", err)
	}
	if len(stats) == 0 {
		fmt.Fprintf(os.Stdout, "No games counted in the last %d hours.\n", statsHours)
		return nil
	}
	fmt.Fprintf(os.Stdout, "\n=== Last %d hours ===\n\n", statsHours)
	report.PrintStats(os.Stdout, stats)
	return nil
}
