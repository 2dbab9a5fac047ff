package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/config"
	"github.com/pable/hs-deck-predict/internal/metrics"
	"github.com/pable/hs-deck-predict/internal/orchestrator"
	"github.com/pable/hs-deck-predict/internal/storage"
	"github.com/pable/hs-deck-predict/internal/store"
)

var (
	dbPath     string
	configPath string
	redisAddr  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "deckpredict",
	Short: "Hearthstone opponent deck prediction",
	Long: `Observe complete Hearthstone decks from game records and predict the
full deck behind a partially revealed one, using a play-order prediction
tree and an inverse card lookup table backed by Redis.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Assigned here: setupLogging reads rootCmd's flags, so it cannot sit in
	// the literal.
	rootCmd.PersistentPreRunE = setupLogging

	home := filepath.Join(mustUserHome(), ".deckpredict")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", filepath.Join(home, "config.yaml"), "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", filepath.Join(home, "diagnostics.db"), "path to SQLite diagnostics database")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (overrides redis.addr)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides log_level)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(distributionCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(decksCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(backtestCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(sqlCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(configCmd)
}

func mustUserHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// loadConfig reads --config and applies the flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if rootCmd.PersistentFlags().Changed("db") || cfg.Diagnostics.DBPath == "" {
		cfg.Diagnostics.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LogLevel == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logrus.SetLevel(lvl)
	return nil
}

// openDiagnostics opens the SQLite diagnostics database, creating its
// directory when needed.
func openDiagnostics(path string) (*storage.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return db, nil
}

// env is everything a prediction command needs.
type env struct {
	cfg   config.Config
	kv    *store.DB
	diag  *storage.DB
	orch  *orchestrator.Orchestrator
	close func()
}

// openEnv connects to Redis and the diagnostics database and builds an
// orchestrator whose measurements go to SQLite, the debug log and, when reg
// is non-nil, Prometheus.
func openEnv(ctx context.Context, reg prometheus.Registerer) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	diag, err := openDiagnostics(cfg.Diagnostics.DBPath)
	if err != nil {
		return nil, err
	}
	kv, err := store.Open(ctx, cfg.Redis)
	if err != nil {
		diag.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	log := logrus.StandardLogger()
	cache, err := orchestrator.NewCache(kv, cfg, orchestrator.WithCacheLogger(log))
	if err != nil {
		kv.Close()
		diag.Close()
		return nil, fmt.Errorf("build cache: %w", err)
	}

	sinks := metrics.Multi{
		storage.NewSink(diag, log),
		metrics.NewLogger(log, logrus.DebugLevel),
	}
	if reg != nil {
		sinks = append(sinks, metrics.NewPrometheus(reg))
	}
	orch := orchestrator.New(kv, cache, diag,
		orchestrator.WithLogger(log),
		orchestrator.WithSink(sinks),
	)
	return &env{
		cfg:  cfg,
		kv:   kv,
		diag: diag,
		orch: orch,
		close: func() {
			kv.Close()
			diag.Close()
		},
	}, nil
}
