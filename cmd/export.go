package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/storage"
)

var (
	exportNames string
	exportSince int
	exportLimit int
	exportOut   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded measurements as JSON",
	Long: `Write the measurements recorded while ingesting (skips, observations,
cross-validation results, predictor consensus and failures) as a JSON array,
oldest first.

Example:
  deckpredict export --name consensus,cross_validation --since 48 --out m.json`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportNames, "name", "", "comma-separated measurement names (default: all)")
	exportCmd.Flags().IntVar(&exportSince, "since", 0, "only the last N hours (0 = everything)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "at most N measurements (0 = no limit)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file path (default: stdout)")
}

func runExport(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDiagnostics(cfg.Diagnostics.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	f := storage.MeasurementFilter{Limit: exportLimit}
	for _, n := range strings.Split(exportNames, ",") {
		if n = strings.TrimSpace(n); n != "" {
			f.Names = append(f.Names, n)
		}
	}
	if exportSince > 0 {
		f.Since = time.Now().Add(-time.Duration(exportSince) * time.Hour)
	}
	ms, err := db.ListMeasurements(f)
	if err != nil {
		return fmt.Errorf("list measurements: %w", err)
	}
	if ms == nil {
		ms = []storage.Measurement{}
	}

	var w io.Writer = os.Stdout
	if exportOut != "" {
		file, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		w = file
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ms); err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}
	if exportOut != "" {
		fmt.Fprintf(os.Stderr, "Wrote %d measurements to %s\n", len(ms), exportOut)
	}
	return nil
}
