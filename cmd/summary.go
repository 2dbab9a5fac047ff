package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/report"
)

// summaryCmd is the cobra command for displaying a diagnostics overview.
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show a high-level overview of the diagnostics database",
	Long: `Display what the diagnostics database holds: registered decks, ingested
files, recorded measurements, why players were skipped, cross-validation
accuracy of the prediction tree, and how often the two predictors agree.`,
	Args: cobra.NoArgs,
	RunE: runSummary,
}

func runSummary(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDiagnostics(cfg.Diagnostics.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ov, err := db.GetDBOverview()
	if err != nil {
		return fmt.Errorf("get overview: %w", err)
	}
	if ov.IngestedFiles == 0 && ov.Measurements == 0 {
		fmt.Fprintln(os.Stdout, "Nothing recorded yet. Run 'deckpredict ingest <games.jsonl>' first.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "\n=== Diagnostics Summary ===\n\n")
	fmt.Fprintf(os.Stdout, "  Decks registered : %d (%d with archetype)\n", ov.Decks, ov.ArchetypedDecks)
	fmt.Fprintf(os.Stdout, "  Files ingested   : %d (%d games)\n", ov.IngestedFiles, ov.IngestedGames)
	fmt.Fprintf(os.Stdout, "  Measurements     : %d\n", ov.Measurements)
	if ov.Measurements > 0 {
		fmt.Fprintf(os.Stdout, "  Time range       : %s → %s\n", ov.FirstMeasurement, ov.LatestMeasurement)
	}

	matched, total, err := db.CrossValidationAccuracy()
	if err != nil {
		return fmt.Errorf("get cross-validation accuracy: %w", err)
	}
	if total > 0 {
		fmt.Fprintf(os.Stdout, "  Tree CV accuracy : %d/%d (%.0f%%)\n", matched, total, 100*float64(matched)/float64(total))
	}

	counts, err := db.MeasurementCounts()
	if err != nil {
		return fmt.Errorf("count measurements: %w", err)
	}
	if len(counts) > 0 {
		fmt.Fprintf(os.Stdout, "\n--- Measurements ---\n\n")
		report.PrintNameCounts(os.Stdout, "NAME", counts)
	}

	reasons, err := db.SkipReasons()
	if err != nil {
		return fmt.Errorf("get skip reasons: %w", err)
	}
	if len(reasons) > 0 {
		fmt.Fprintf(os.Stdout, "\n--- Skipped Players ---\n\n")
		report.PrintNameCounts(os.Stdout, "REASON", reasons)
	}

	consensus, err := db.ConsensusByClass()
	if err != nil {
		return fmt.Errorf("get consensus: %w", err)
	}
	if len(consensus) > 0 {
		fmt.Fprintf(os.Stdout, "\n--- Predictor Agreement ---\n\n")
		report.PrintConsensus(os.Stdout, consensus)
	}
	return nil
}
