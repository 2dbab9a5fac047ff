package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/buckets"
	"github.com/pable/hs-deck-predict/internal/report"
)

var (
	distClass  string
	distFormat string
	distPlays  string
	distHours  int
	distLimit  int
	distPct    bool
)

var distributionCmd = &cobra.Command{
	Use:   "distribution",
	Short: "Deck popularity along a play sequence in the prediction tree",
	Args:  cobra.NoArgs,
	RunE:  runDistribution,
}

func init() {
	distributionCmd.Flags().StringVar(&distClass, "class", "", "deck class (required)")
	distributionCmd.Flags().StringVar(&distFormat, "format", "standard", "standard or wild")
	distributionCmd.Flags().StringVar(&distPlays, "plays", "", "cards in the order they were played (required)")
	distributionCmd.Flags().IntVar(&distHours, "hours", 0, "lookback window in hours (default: tree.lookback_minutes)")
	distributionCmd.Flags().IntVar(&distLimit, "limit", 5, "decks shown per node (0 = all)")
	distributionCmd.Flags().BoolVar(&distPct, "pct", false, "show shares instead of counts")
	distributionCmd.MarkFlagRequired("class")
	distributionCmd.MarkFlagRequired("plays")
}

func runDistribution(cmd *cobra.Command, args []string) error {
	format, class, err := parseScope(distFormat, distClass)
	if err != nil {
		return err
	}
	plays, err := parsePlays(distPlays)
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := openEnv(ctx, nil)
	if err != nil {
		return err
	}
	defer e.close()

	if distHours > 0 {
		cfg := e.cfg
		cfg.Tree.LookbackMinutes = distHours * 60
		if _, err := e.orch.Cache().Reconfigure(cfg); err != nil {
			return fmt.Errorf("apply lookback: %w", err)
		}
	}
	tr, err := e.orch.Cache().Tree(format, class)
	if err != nil {
		return fmt.Errorf("open tree: %w", err)
	}
	path, err := tr.Path(ctx, plays, buckets.Query{Limit: distLimit, AsPercentages: distPct})
	if err != nil {
		return fmt.Errorf("read path: %w", err)
	}
	if len(path) == 0 {
		fmt.Fprintln(os.Stdout, "No observations start with that play.")
		return nil
	}
	if len(path) < len(plays.Prefix(tr.MaxDepth())) {
		fmt.Fprintf(os.Stdout, "Only the first %d plays have been observed.\n", len(path))
	}
	fmt.Fprintln(os.Stdout)
	report.PrintPath(os.Stdout, path, distPct)
	if last := path[len(path)-1]; len(last.Decks) > 0 {
		fmt.Fprintf(os.Stdout, "\n--- Deepest node (depth %d) ---\n\n", last.Depth)
		report.PrintDistribution(os.Stdout, last.Decks, distPct)
	}
	return nil
}
