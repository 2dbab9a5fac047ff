package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/report"
	"github.com/pable/hs-deck-predict/internal/storage"
)

var sqlCmd = &cobra.Command{
	Use:   "sql <query>",
	Short: "Run a raw SQL query against the diagnostics database",
	Long: `Run an arbitrary SQL query against the diagnostics database and print results as a table.

Schema overview:
  decks(id, digest, cards, size, archetype_id, created_at)
    cards is the canonical "id:copies,..." encoding, sorted by card id
  measurements(id, name, ts, tags JSON, fields JSON)
    name is one of skipped, observed, cross_validation, consensus, error
  ingested_files(hash, path, games, ingested_at)

Tags and fields are JSON objects; use json_extract:
  SELECT json_extract(tags, '$.class'), COUNT(1) FROM measurements
  WHERE name = 'consensus' GROUP BY 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSQL,
}

func runSQL(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Diagnostics.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	cols, rows, err := db.QueryRaw(query)
	if err != nil {
		return err
	}
	report.PrintRows(os.Stdout, cols, rows)
	return nil
}
