package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/metrics"
	"github.com/pable/hs-deck-predict/internal/orchestrator"
	"github.com/pable/hs-deck-predict/internal/parser"
	"github.com/pable/hs-deck-predict/internal/report"
	"github.com/pable/hs-deck-predict/internal/store"
)

var (
	backtestReveal int
	backtestLive   bool
)

var backtestCmd = &cobra.Command{
	Use:   "backtest <games.jsonl>",
	Short: "Replay full-deck games and measure prediction accuracy",
	Long: `Replay the complete decks of a game file in order. Before each deck is
observed, both predictors are asked to name it from its first --reveal plays,
so every prediction only sees decks from earlier games.

The replay runs against an in-process store and a throwaway deck registry, so
neither the live predictors nor the diagnostics database are touched. --live
replays against the configured Redis instead, under a temporary namespace that
is deleted afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: runBacktest,
}

func init() {
	backtestCmd.Flags().IntVar(&backtestReveal, "reveal", 3, "plays revealed before predicting")
	backtestCmd.Flags().BoolVar(&backtestLive, "live", false, "replay against the configured Redis")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	if backtestReveal < 1 {
		return fmt.Errorf("--reveal must be at least 1")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	batch, err := parser.ParseGames(args[0])
	if err != nil {
		return fmt.Errorf("parse games: %w", err)
	}

	ctx := context.Background()
	var kv *store.DB
	if backtestLive {
		live, err := store.Open(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer live.Close()
		kv = live.Sub("backtest", uuid.NewString())
		defer func() {
			n, err := deleteNamespace(ctx, kv)
			if err != nil {
				logrus.WithError(err).Warn("backtest keys left behind")
				return
			}
			logrus.WithField("keys", n).Debug("backtest keys deleted")
		}()
	} else {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start scratch store: %w", err)
		}
		defer mr.Close()
		kv = store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg.Redis.Namespace)
		defer kv.Close()
	}

	log := logrus.StandardLogger()
	cache, err := orchestrator.NewCache(kv, cfg, orchestrator.WithCacheLogger(log))
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}
	orch := orchestrator.New(kv, cache, orchestrator.NewMemoryRegistry(),
		orchestrator.WithLogger(log),
		orchestrator.WithSink(metrics.NewLogger(log, logrus.TraceLevel)),
	)

	fmt.Fprintf(os.Stdout, "Replaying %d games, revealing %d plays...\n\n", len(batch.Games), backtestReveal)
	rows, err := orch.Backtest(ctx, batch.Games, backtestReveal)
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "No eligible complete decks in the file.")
		return nil
	}
	report.PrintBacktest(os.Stdout, rows)
	return nil
}
