package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/report"
	"github.com/pable/hs-deck-predict/internal/storage"
)

var showArchetype int64

var showCmd = &cobra.Command{
	Use:   "show <deck-id>",
	Short: "Show a registered deck",
	Long: `Print the cards of a registered deck. --archetype assigns the deck to
an archetype first; predictions that name two decks of the same archetype
count as agreeing.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().Int64Var(&showArchetype, "archetype", 0, "assign this archetype id before showing")
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := model.ParseDeckID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDiagnostics(cfg.Diagnostics.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if showArchetype != 0 {
		if err := db.SetArchetype(id, showArchetype); err != nil {
			return fmt.Errorf("set archetype: %w", err)
		}
	}
	deck, err := db.DeckByID(context.Background(), id)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "No deck with id %d\n", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get deck: %w", err)
	}
	report.PrintDeck(os.Stdout, deck)
	return nil
}
