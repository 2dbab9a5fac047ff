package orchestrator

import (
	"container/list"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pable/hs-deck-predict/internal/config"
	"github.com/pable/hs-deck-predict/internal/ilt"
	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/store"
	"github.com/pable/hs-deck-predict/internal/tree"
)

// defaultDeckCacheSize bounds the deck-by-id cache.
const defaultDeckCacheSize = 4096

type scope struct {
	format model.FormatType
	class  model.CardClass
}

// Cache holds the per-(format, class) predictors built from one
// configuration, plus recently resolved registry decks. Predictors are
// rebuilt when the configuration digest changes.
type Cache struct {
	db  *store.DB
	now func() time.Time
	log logrus.FieldLogger

	mu     sync.Mutex
	cfg    config.Config
	digest string
	tables map[scope]*ilt.Table
	trees  map[scope]*tree.Tree

	decks *deckCache
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock overrides time.Now for every predictor the cache builds.
func WithCacheClock(now func() time.Time) CacheOption { return func(c *Cache) { c.now = now } }

// WithCacheLogger sets the logger handed to predictors.
func WithCacheLogger(l logrus.FieldLogger) CacheOption { return func(c *Cache) { c.log = l } }

// WithDeckCacheSize bounds the deck-by-id cache.
func WithDeckCacheSize(n int) CacheOption { return func(c *Cache) { c.decks = newDeckCache(n) } }

// NewCache returns an empty cache for cfg.
func NewCache(db *store.DB, cfg config.Config, opts ...CacheOption) (*Cache, error) {
	d, err := Digest(cfg)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		db:     db,
		now:    time.Now,
		log:    logrus.StandardLogger(),
		cfg:    cfg,
		digest: d,
		tables: map[scope]*ilt.Table{},
		trees:  map[scope]*tree.Tree{},
		decks:  newDeckCache(defaultDeckCacheSize),
	}
	for _, fn := range opts {
		fn(c)
	}
	return c, nil
}

// Digest fingerprints the configuration predictors are built from.
func Digest(cfg config.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("digest config: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// Config returns the configuration currently in effect.
func (c *Cache) Config() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Reconfigure swaps in cfg, dropping every predictor when its digest differs
// from the current one. It reports whether anything was invalidated.
func (c *Cache) Reconfigure(cfg config.Config) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	d, err := Digest(cfg)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d == c.digest {
		return false, nil
	}
	c.cfg, c.digest = cfg, d
	c.invalidateLocked()
	return true, nil
}

// Invalidate drops every cached predictor. Registry decks are immutable and
// stay cached.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *Cache) invalidateLocked() {
	c.tables = map[scope]*ilt.Table{}
	c.trees = map[scope]*tree.Tree{}
}

// Table returns the inverse lookup table for format and class.
func (c *Cache) Table(format model.FormatType, class model.CardClass) (*ilt.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := scope{format, class}
	if t, ok := c.tables[k]; ok {
		return t, nil
	}
	p := c.cfg.Prediction
	t, err := ilt.New(c.db, ilt.Config{
		Format:                format,
		Class:                 class,
		FullDeckSize:          p.FullDeckSize,
		MinCardsForPrediction: p.MinCardsForPrediction,
		MaxFuzzyRemoved:       p.MaxFuzzyCardsRemoved,
		ILTLookback:           p.ILTLookback(),
		PopularityLookback:    p.PopularityLookback(),
		RequiredCards:         p.RequiredCards,
	}, ilt.WithClock(c.now), ilt.WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	c.tables[k] = t
	return t, nil
}

// Tree returns the prediction tree for format and class.
func (c *Cache) Tree(format model.FormatType, class model.CardClass) (*tree.Tree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := scope{format, class}
	if t, ok := c.trees[k]; ok {
		return t, nil
	}
	tc := c.cfg.Tree
	t, err := tree.New(c.db, tree.Config{
		Class:                class,
		Format:               format,
		MaxDepth:             tc.MaxDepth,
		Lookback:             tc.Lookback(),
		IncludeCurrentBucket: tc.IncludeCurrentBucket,
		BucketSize:           time.Duration(tc.BucketSeconds) * time.Second,
		BucketTTL:            tc.BucketTTL(),
		MaxDecksPerNode:      tc.MaxDecksPerNode,
		BackOff:              tc.BackOff,
	}, tree.WithClock(c.now), tree.WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	c.trees[k] = t
	return t, nil
}

// Deck resolves id through reg, remembering the answer.
func (c *Cache) Deck(ctx context.Context, reg Registry, id model.DeckID) (model.Deck, error) {
	if d, ok := c.decks.get(id); ok {
		return d, nil
	}
	d, err := reg.DeckByID(ctx, id)
	if err != nil {
		return model.Deck{}, err
	}
	c.decks.put(d)
	return d, nil
}

// deckCache is a fixed-size LRU of registry decks.
type deckCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[model.DeckID]*list.Element
}

func newDeckCache(n int) *deckCache {
	if n <= 0 {
		n = defaultDeckCacheSize
	}
	return &deckCache{max: n, order: list.New(), items: map[model.DeckID]*list.Element{}}
}

func (c *deckCache) get(id model.DeckID) (model.Deck, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[id]
	if !ok {
		return model.Deck{}, false
	}
	c.order.MoveToFront(e)
	return e.Value.(model.Deck), true
}

func (c *deckCache) put(d model.Deck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[d.ID]; ok {
		e.Value = d
		c.order.MoveToFront(e)
		return
	}
	c.items[d.ID] = c.order.PushFront(d)
	if c.order.Len() > c.max {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(model.Deck).ID)
	}
}

func (c *deckCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
