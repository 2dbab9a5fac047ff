package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/report"
)

var (
	predictClass  string
	predictFormat string
	predictPlays  string
)

var predictCmd = &cobra.Command{
	Use:   "predict <cards>",
	Short: "Predict the full deck behind a partial one",
	Long: `Run the prediction tree and the inverse lookup table on the cards seen
so far. --plays gives the order they were played in; when omitted the tree is
walked with no plays and only the lookup table can answer.`,
	Args: cobra.ExactArgs(1),
	RunE: runPredict,
}

func init() {
	predictCmd.Flags().StringVar(&predictClass, "class", "", "deck class (required)")
	predictCmd.Flags().StringVar(&predictFormat, "format", "standard", "standard or wild")
	predictCmd.Flags().StringVar(&predictPlays, "plays", "", "cards in the order they were played")
	predictCmd.MarkFlagRequired("class")
}

func runPredict(cmd *cobra.Command, args []string) error {
	format, class, err := parseScope(predictFormat, predictClass)
	if err != nil {
		return err
	}
	cards, err := parseCards(args[0])
	if err != nil {
		return err
	}
	plays, err := parsePlays(predictPlays)
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := openEnv(ctx, nil)
	if err != nil {
		return err
	}
	defer e.close()

	pred := e.orch.Predict(ctx, format, class, cards, plays)
	fmt.Fprintf(os.Stdout, "\n%s %s  |  %d cards seen  |  %d plays\n\n", format, class, cards.Total(), len(plays))
	report.PrintPrediction(os.Stdout, pred)

	var shown []model.DeckID
	if pred.Tree.Found {
		shown = append(shown, pred.Tree.DeckID)
	}
	if pred.ILT.Found && !pred.AgreeDeck {
		shown = append(shown, pred.ILT.DeckID)
	}
	for _, id := range shown {
		d, err := e.orch.Cache().Deck(ctx, e.diag, id)
		if err != nil {
			return fmt.Errorf("load deck: %w", err)
		}
		report.PrintDeck(os.Stdout, d)
	}
	return nil
}
