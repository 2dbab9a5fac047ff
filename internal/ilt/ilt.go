// Package ilt implements the inverse lookup table: an index from
// (card, copy number) to the decks recently observed containing it. Partial
// decks are predicted by intersecting the sets of their cards, falling back to
// dropping the least discriminating cards when nothing matches exactly.
package ilt

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/store"
)

// scratchTTL bounds the life of intersection results if a pipeline dies
// before deleting them.
const scratchTTL = 30 * time.Second

// Config holds the per-table tunables.
type Config struct {
	Format                model.FormatType
	Class                 model.CardClass
	FullDeckSize          int
	MinCardsForPrediction int
	MaxFuzzyRemoved       int
	ILTLookback           time.Duration
	PopularityLookback    time.Duration
	RequiredCards         []model.CardID
}

func (c Config) validate() error {
	switch {
	case c.Format != model.FormatStandard && c.Format != model.FormatWild:
		return fmt.Errorf("%w: ilt format %v", model.ErrConfiguration, c.Format)
	case !c.Class.Playable():
		return fmt.Errorf("%w: ilt class %v", model.ErrConfiguration, c.Class)
	case c.FullDeckSize <= 0:
		return fmt.Errorf("%w: ilt full deck size %d", model.ErrConfiguration, c.FullDeckSize)
	case c.MinCardsForPrediction <= 0:
		return fmt.Errorf("%w: ilt min cards %d", model.ErrConfiguration, c.MinCardsForPrediction)
	case c.MaxFuzzyRemoved < 0:
		return fmt.Errorf("%w: ilt fuzzy budget %d", model.ErrConfiguration, c.MaxFuzzyRemoved)
	case c.ILTLookback <= 0 || c.PopularityLookback <= 0:
		return fmt.Errorf("%w: ilt lookbacks must be positive", model.ErrConfiguration)
	}
	return nil
}

// Table is one inverse lookup table, scoped to a format and player class.
type Table struct {
	db       *store.DB
	cfg      Config
	required map[model.CardID]bool
	now      func() time.Time
	log      logrus.FieldLogger
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Table) { t.now = now } }

// WithLogger sets the logger used for debug traces.
func WithLogger(l logrus.FieldLogger) Option { return func(t *Table) { t.log = l } }

// New returns the table for cfg.Format and cfg.Class under db.
func New(db *store.DB, cfg Config, opts ...Option) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &Table{
		db:       db.Sub("ilt", cfg.Format, cfg.Class),
		cfg:      cfg,
		required: make(map[model.CardID]bool, len(cfg.RequiredCards)),
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, c := range cfg.RequiredCards {
		t.required[c] = true
	}
	for _, fn := range opts {
		fn(t)
	}
	t.log = t.log.WithFields(logrus.Fields{"component": "ilt", "format": cfg.Format, "class": cfg.Class})
	return t, nil
}

// cardKey is one (card, copy number) entry; a card held twice contributes
// copies 1 and 2.
type cardKey struct {
	card model.CardID
	copy int
}

func (t *Table) key(k cardKey) string { return t.db.Key("card", k.card, k.copy) }
func (t *Table) popularityKey(d model.DeckID) string { return t.db.Key("pop", d) }

func cardKeys(cards model.CardMap) []cardKey {
	var out []cardKey
	for _, id := range cards.Keys() {
		for k := 1; k <= cards[id]; k++ {
			out = append(out, cardKey{card: id, copy: k})
		}
	}
	return out
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) / 1000 }

func below(t time.Time) string { return "(" + strconv.FormatFloat(score(t), 'f', 3, 64) }

// Observe registers a full deck. dedupToken identifies the observation in
// the deck's popularity window; an empty token gets a fresh one.
func (t *Table) Observe(ctx context.Context, cards model.CardMap, deck model.DeckID, dedupToken string) error {
	if err := cards.Validate(); err != nil {
		return err
	}
	if got := cards.Total(); got != t.cfg.FullDeckSize {
		return &model.InvalidDeckSizeError{Got: got, Want: t.cfg.FullDeckSize}
	}
	if dedupToken == "" {
		dedupToken = uuid.NewString()
	}
	now := t.now()
	member := deck.String()

	pipe := t.db.Client().Pipeline()
	for _, k := range cardKeys(cards) {
		key := t.key(k)
		pipe.ZAdd(ctx, key, redis.Z{Score: score(now), Member: member})
		pipe.Expire(ctx, key, t.cfg.ILTLookback)
	}
	pop := t.popularityKey(deck)
	pipe.ZAdd(ctx, pop, redis.Z{Score: score(now), Member: dedupToken})
	pipe.ZRemRangeByScore(ctx, pop, "-inf", below(now.Add(-t.cfg.PopularityLookback)))
	pipe.Expire(ctx, pop, t.cfg.PopularityLookback)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Wrap(fmt.Errorf("observe deck %d: %w", deck, err))
	}
	return nil
}

// Result describes a prediction. Found is false when the table could not
// name a deck; that is an expected outcome, not an error.
type Result struct {
	DeckID       model.DeckID
	Found        bool
	FuzzyDropped int   // cards discarded before the match (or before giving up)
	Candidates   int   // decks in the final intersection
	Popularity   int64 // recent observations of the chosen deck
}

// Predict names the deck most consistent with a partial card map.
func (t *Table) Predict(ctx context.Context, cards model.CardMap) (Result, error) {
	if err := cards.Validate(); err != nil {
		return Result{}, err
	}
	if cards.Total() < t.cfg.MinCardsForPrediction {
		return Result{}, nil
	}
	keys := cardKeys(cards)
	sizes, err := t.expireAndCount(ctx, keys)
	if err != nil {
		return Result{}, err
	}

	active := keys
	dropped := 0
	for {
		members, err := t.intersect(ctx, active, sizes)
		if err != nil {
			return Result{}, err
		}
		if len(members) > 0 {
			res, err := t.mostPopular(ctx, members)
			if err != nil {
				return Result{}, err
			}
			res.FuzzyDropped = dropped
			return res, nil
		}
		if dropped >= t.cfg.MaxFuzzyRemoved {
			break
		}
		idx := t.leastPopular(active, sizes)
		if idx < 0 {
			break
		}
		t.log.WithFields(logrus.Fields{
			"card": active[idx].card, "copy": active[idx].copy, "cardinality": sizes[active[idx]],
		}).Debug("fuzzy drop")
		active = append(active[:idx:idx], active[idx+1:]...)
		dropped++
		if len(active) < t.cfg.MinCardsForPrediction {
			break
		}
	}
	return Result{FuzzyDropped: dropped}, nil
}

// expireAndCount trims members older than the lookback from every key and
// returns the remaining cardinalities.
func (t *Table) expireAndCount(ctx context.Context, keys []cardKey) (map[cardKey]int64, error) {
	cutoff := below(t.now().Add(-t.cfg.ILTLookback))
	pipe := t.db.Client().Pipeline()
	cards := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		key := t.key(k)
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		cards[i] = pipe.ZCard(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, store.Wrap(fmt.Errorf("expire card keys: %w", err))
	}
	out := make(map[cardKey]int64, len(keys))
	for i, k := range keys {
		out[k] = cards[i].Val()
	}
	return out, nil
}

// intersect returns the decks present under every key.
func (t *Table) intersect(ctx context.Context, keys []cardKey, sizes map[cardKey]int64) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		if sizes[k] == 0 {
			return nil, nil
		}
		names[i] = t.key(k)
	}
	scratch := t.db.Key("tmp", uuid.NewString())
	pipe := t.db.Client().TxPipeline()
	pipe.ZInterStore(ctx, scratch, &redis.ZStore{Keys: names, Aggregate: "MIN"})
	pipe.Expire(ctx, scratch, scratchTTL)
	members := pipe.ZRange(ctx, scratch, 0, -1)
	pipe.Del(ctx, scratch)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, store.Wrap(fmt.Errorf("intersect %d card keys: %w", len(keys), err))
	}
	return members.Val(), nil
}

// leastPopular picks the droppable key with the smallest cardinality, ties
// broken by card id ascending then copy number descending. Required cards
// are never droppable. Returns -1 when nothing can be dropped.
func (t *Table) leastPopular(keys []cardKey, sizes map[cardKey]int64) int {
	best := -1
	for i, k := range keys {
		if t.required[k.card] {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := keys[best]
		switch {
		case sizes[k] != sizes[b]:
			if sizes[k] < sizes[b] {
				best = i
			}
		case k.card != b.card:
			if k.card < b.card {
				best = i
			}
		case k.copy > b.copy:
			best = i
		}
	}
	return best
}

// mostPopular ranks candidate decks by recent observations, ties by lowest id.
func (t *Table) mostPopular(ctx context.Context, members []string) (Result, error) {
	ids := make([]model.DeckID, 0, len(members))
	for _, m := range members {
		id, err := model.ParseDeckID(m)
		if err != nil {
			t.log.WithField("member", m).Warn("skipping malformed deck member")
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return Result{}, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	counts, err := t.popularity(ctx, ids)
	if err != nil {
		return Result{}, err
	}
	best := 0
	for i := 1; i < len(ids); i++ {
		if counts[i] > counts[best] {
			best = i
		}
	}
	return Result{DeckID: ids[best], Found: true, Candidates: len(ids), Popularity: counts[best]}, nil
}

func (t *Table) popularity(ctx context.Context, ids []model.DeckID) ([]int64, error) {
	from := strconv.FormatFloat(score(t.now().Add(-t.cfg.PopularityLookback)), 'f', 3, 64)
	pipe := t.db.Client().Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.ZCount(ctx, t.popularityKey(id), from, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, store.Wrap(fmt.Errorf("read deck popularity: %w", err))
	}
	out := make([]int64, len(ids))
	for i, c := range cmds {
		out[i] = c.Val()
	}
	return out, nil
}

// Popularity returns how often deck was observed within the popularity window.
func (t *Table) Popularity(ctx context.Context, deck model.DeckID) (int64, error) {
	counts, err := t.popularity(ctx, []model.DeckID{deck})
	if err != nil {
		return 0, err
	}
	return counts[0], nil
}
