package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/report"
)

var decksCmd = &cobra.Command{
	Use:   "decks",
	Short: "List decks in the local registry",
	Args:  cobra.NoArgs,
	RunE:  runDecks,
}

func runDecks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDiagnostics(cfg.Diagnostics.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	decks, err := db.ListDecks()
	if err != nil {
		return fmt.Errorf("list decks: %w", err)
	}
	if len(decks) == 0 {
		fmt.Fprintln(os.Stdout, "No decks registered yet. Run 'deckpredict ingest <games.jsonl>' to add some.")
		return nil
	}
	report.PrintDecks(os.Stdout, decks)
	return nil
}
