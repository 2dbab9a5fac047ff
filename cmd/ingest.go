package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pable/hs-deck-predict/internal/orchestrator"
	"github.com/pable/hs-deck-predict/internal/parser"
	"github.com/pable/hs-deck-predict/internal/report"
)

var (
	ingestWorkers     int
	ingestMetricsAddr string
	ingestForce       bool
	ingestQuiet       bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <games.jsonl>",
	Short: "Feed a file of game records through the predictors",
	Long: `Read game records (one JSON object per line), observe every complete
deck and predict every partial one. A file is ingested once; its content hash
is remembered in the diagnostics database.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 1, "games processed concurrently")
	ingestCmd.Flags().StringVar(&ingestMetricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address while ingesting")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "ingest even if the file was seen before")
	ingestCmd.Flags().BoolVarP(&ingestQuiet, "quiet", "q", false, "print only the totals")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	addr := ingestMetricsAddr
	if addr == "" {
		if cfg, err := loadConfig(); err == nil {
			addr = cfg.Diagnostics.MetricsAddr
		}
	}
	var reg *prometheus.Registry
	if addr != "" {
		reg = prometheus.NewRegistry()
		stop := serveMetrics(addr, reg)
		defer stop()
	}

	e, err := openEnv(ctx, registerer(reg))
	if err != nil {
		return err
	}
	defer e.close()

	fmt.Fprintf(os.Stdout, "Reading %s...\n", path)
	batch, err := parser.ParseGames(path)
	if err != nil {
		return fmt.Errorf("parse games: %w", err)
	}
	seen, err := e.diag.IngestExists(batch.Hash)
	if err != nil {
		return fmt.Errorf("check ingest: %w", err)
	}
	if seen && !ingestForce {
		fmt.Fprintf(os.Stdout, "File %s already ingested, use --force to replay it.\n", batch.Hash[:12])
		return nil
	}

	results := make([][]orchestrator.Outcome, len(batch.Games))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(ingestWorkers, 1))
	for i, game := range batch.Games {
		i, game := i, game
		g.Go(func() error {
			out, err := e.orch.Process(gctx, game)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := e.diag.MarkIngested(batch.Hash, path, len(batch.Games)); err != nil {
		return fmt.Errorf("mark ingested: %w", err)
	}

	var all []orchestrator.Outcome
	counts := map[orchestrator.Action]int{}
	for _, out := range results {
		for _, o := range out {
			counts[o.Action]++
		}
		all = append(all, out...)
	}
	if !ingestQuiet {
		report.PrintOutcomes(os.Stdout, all)
	}
	fmt.Fprintf(os.Stdout, "\nGames: %d (%d unreadable lines)  |  Observed: %d  |  Predicted: %d  |  Skipped: %d\n",
		len(batch.Games), batch.Skipped,
		counts[orchestrator.ActionObserved], counts[orchestrator.ActionPredicted], counts[orchestrator.ActionSkipped])
	return nil
}

// registerer avoids handing a typed nil registry to openEnv.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

// serveMetrics exposes reg on addr until the returned stop func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).WithField("addr", addr).Warn("metrics server stopped")
		}
	}()
	logrus.WithField("addr", addr).Info("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
