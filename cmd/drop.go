package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/store"
)

var (
	dropForce bool
	dropStore bool
)

// dropCmd deletes the diagnostics database and optionally the predictor keys.
var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the diagnostics database",
	Long: `Permanently delete the SQLite diagnostics database. With --store, also
delete every Redis key under the configured namespace, which resets both
predictors. Re-ingest your game files afterwards to rebuild.`,
	Args: cobra.NoArgs,
	RunE: runDrop,
}

func init() {
	dropCmd.Flags().BoolVarP(&dropForce, "force", "f", false, "skip confirmation prompt")
	dropCmd.Flags().BoolVar(&dropStore, "store", false, "also delete the predictor keys in Redis")
}

func runDrop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Diagnostics.DBPath
	if !dropForce {
		fmt.Fprintf(os.Stderr, "This will permanently delete: %s\n", path)
		if dropStore {
			fmt.Fprintf(os.Stderr, "and every key under %s:* on %s\n", cfg.Redis.Namespace, cfg.Redis.Addr)
		}
		fmt.Fprintf(os.Stderr, "Re-run with --force to confirm.\n")
		return nil
	}

	if dropStore {
		ctx := context.Background()
		kv, err := store.Open(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer kv.Close()
		n, err := deleteNamespace(ctx, kv)
		if err != nil {
			return fmt.Errorf("delete keys: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Deleted %d keys under %s\n", n, kv.Namespace())
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(os.Stdout, "Database does not exist, nothing to drop.")
			return nil
		}
		return fmt.Errorf("remove database: %w", err)
	}
	fmt.Fprintf(os.Stdout, "Deleted: %s\n", path)
	return nil
}

// deleteNamespace removes every key under db's namespace.
func deleteNamespace(ctx context.Context, db *store.DB) (int, error) {
	client := db.Client()
	iter := client.Scan(ctx, 0, db.Namespace()+":*", 500).Iterator()
	var batch []string
	n := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := client.Del(ctx, batch...).Err(); err != nil {
			return store.Wrap(err)
		}
		n += len(batch)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return n, store.Wrap(err)
	}
	return n, flush()
}
