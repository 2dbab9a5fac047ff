package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	observeClass  string
	observeFormat string
	observePlays  string
)

var observeCmd = &cobra.Command{
	Use:   "observe <cards>",
	Short: "Register one complete deck",
	Long: `Register a complete deck with the registry and both predictors.
Cards are comma separated ids; "id*n" stands for n copies.

Example:
  deckpredict observe "101*2,102*2,103" --class mage --format standard --plays 101,103`,
	Args: cobra.ExactArgs(1),
	RunE: runObserve,
}

func init() {
	observeCmd.Flags().StringVar(&observeClass, "class", "", "deck class (required)")
	observeCmd.Flags().StringVar(&observeFormat, "format", "standard", "standard or wild")
	observeCmd.Flags().StringVar(&observePlays, "plays", "", "cards in the order they were played")
	observeCmd.MarkFlagRequired("class")
}

func runObserve(cmd *cobra.Command, args []string) error {
	format, class, err := parseScope(observeFormat, observeClass)
	if err != nil {
		return err
	}
	cards, err := parseCards(args[0])
	if err != nil {
		return err
	}
	plays, err := parsePlays(observePlays)
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := openEnv(ctx, nil)
	if err != nil {
		return err
	}
	defer e.close()

	id, err := e.orch.ObserveDeck(ctx, format, class, cards, plays, uuid.NewString())
	if err != nil {
		return fmt.Errorf("observe deck: %w", err)
	}
	fmt.Fprintf(os.Stdout, "Observed deck %d (%s %s, %d plays)\n", id, format, class, len(plays))
	return nil
}
