// Package config loads the YAML configuration shared by the CLI and the
// prediction components.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pable/hs-deck-predict/internal/model"
)

type Config struct {
	Redis       RedisConfig       `yaml:"redis"`
	Prediction  PredictionConfig  `yaml:"prediction"`
	Tree        TreeConfig        `yaml:"tree"`
	Counters    CounterConfig     `yaml:"counters"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	LogLevel    string            `yaml:"log_level"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type PredictionConfig struct {
	FullDeckSize           int `yaml:"full_deck_size"`
	MinCardsForPrediction  int `yaml:"min_cards_for_prediction"`
	MinObservedCards       int `yaml:"min_observed_cards"`
	MinPlayedCards         int `yaml:"min_played_cards"`
	CrossValidationHoldout int `yaml:"cross_validation_holdout"`
	MaxFuzzyCardsRemoved   int `yaml:"max_fuzzy_cards_removed"`
	ILTLookbackMinutes     int `yaml:"ilt_lookback_minutes"`
	PopularityLookbackMin  int `yaml:"deck_popularity_lookback_minutes"`
	// RequiredCards lists cards that fuzzy matching may never drop.
	RequiredCards []model.CardID `yaml:"required_cards"`
}

type TreeConfig struct {
	MaxDepth             int  `yaml:"max_depth"`
	LookbackMinutes      int  `yaml:"lookback_minutes"`
	IncludeCurrentBucket bool `yaml:"include_current_bucket"`
	BucketSeconds        int  `yaml:"bucket_seconds"`
	BucketTTLMinutes     int  `yaml:"bucket_ttl_minutes"`
	MaxDecksPerNode      int  `yaml:"max_decks_per_node"`
	BackOff              bool `yaml:"back_off"`
}

type CounterConfig struct {
	BucketSeconds int `yaml:"bucket_seconds"`
	TTLMinutes    int `yaml:"ttl_minutes"`
}

type DiagnosticsConfig struct {
	DBPath      string `yaml:"db_path"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Namespace:    "deckpredict",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		},
		Prediction: PredictionConfig{
			FullDeckSize:           30,
			MinCardsForPrediction:  5,
			MinObservedCards:       5,
			MinPlayedCards:         2,
			CrossValidationHoldout: 1,
			MaxFuzzyCardsRemoved:   3,
			ILTLookbackMinutes:     2 * 24 * 60,
			PopularityLookbackMin:  24 * 60,
		},
		Tree: TreeConfig{
			MaxDepth:             6,
			LookbackMinutes:      2 * 24 * 60,
			IncludeCurrentBucket: true,
			BucketSeconds:        3600,
			BucketTTLMinutes:     3 * 24 * 60,
			MaxDecksPerNode:      100,
		},
		Counters: CounterConfig{
			BucketSeconds: 3600,
			TTLMinutes:    7 * 24 * 60,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", model.ErrConfiguration, path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that every tunable is positive and consistent.
func (c Config) Validate() error {
	p := c.Prediction
	checks := []struct {
		ok   bool
		what string
	}{
		{p.FullDeckSize > 0, "prediction.full_deck_size must be positive"},
		{p.MinCardsForPrediction > 0, "prediction.min_cards_for_prediction must be positive"},
		{p.MinCardsForPrediction <= p.FullDeckSize, "prediction.min_cards_for_prediction exceeds full_deck_size"},
		{p.MinObservedCards > 0, "prediction.min_observed_cards must be positive"},
		{p.MinPlayedCards >= 0, "prediction.min_played_cards must not be negative"},
		{p.CrossValidationHoldout > 0, "prediction.cross_validation_holdout must be positive"},
		{p.MaxFuzzyCardsRemoved >= 0, "prediction.max_fuzzy_cards_removed must not be negative"},
		{p.ILTLookbackMinutes > 0, "prediction.ilt_lookback_minutes must be positive"},
		{p.PopularityLookbackMin > 0, "prediction.deck_popularity_lookback_minutes must be positive"},
		{c.Tree.MaxDepth > 0, "tree.max_depth must be positive"},
		{c.Tree.CrossValidatable(p.CrossValidationHoldout), "tree.max_depth must exceed prediction.cross_validation_holdout"},
		{c.Tree.LookbackMinutes > 0, "tree.lookback_minutes must be positive"},
		{c.Tree.BucketSeconds > 0, "tree.bucket_seconds must be positive"},
		{c.Tree.BucketTTLMinutes > 0, "tree.bucket_ttl_minutes must be positive"},
		{c.Tree.MaxDecksPerNode > 0, "tree.max_decks_per_node must be positive"},
		{c.Counters.BucketSeconds > 0, "counters.bucket_seconds must be positive"},
		{c.Counters.TTLMinutes > 0, "counters.ttl_minutes must be positive"},
		{c.Redis.Namespace != "", "redis.namespace must not be empty"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("%w: %s", model.ErrConfiguration, chk.what)
		}
	}
	for _, id := range p.RequiredCards {
		if id <= 0 {
			return fmt.Errorf("%w: prediction.required_cards contains %d", model.ErrConfiguration, id)
		}
	}
	return nil
}

// CrossValidatable reports whether a full sequence still leaves at least one
// play after holding out the last holdout plays.
func (t TreeConfig) CrossValidatable(holdout int) bool {
	return t.MaxDepth > holdout
}

// ILTLookback is the card-key retention window.
func (p PredictionConfig) ILTLookback() time.Duration {
	return time.Duration(p.ILTLookbackMinutes) * time.Minute
}

// PopularityLookback is the deck popularity window.
func (p PredictionConfig) PopularityLookback() time.Duration {
	return time.Duration(p.PopularityLookbackMin) * time.Minute
}

// Lookback is the window of node observations considered by lookups.
func (t TreeConfig) Lookback() time.Duration {
	return time.Duration(t.LookbackMinutes) * time.Minute
}

// BucketTTL is how long a node bucket outlives its end.
func (t TreeConfig) BucketTTL() time.Duration {
	return time.Duration(t.BucketTTLMinutes) * time.Minute
}

// TTL is how long a counter bucket outlives its end.
func (c CounterConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Write serialises cfg to path, used by `deckpredict config init`.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
