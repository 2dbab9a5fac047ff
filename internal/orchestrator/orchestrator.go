// Package orchestrator routes each player of a finished game to the
// predictors: full decks train the tree and the inverse lookup table, partial
// decks are predicted by both and their agreement is measured.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pable/hs-deck-predict/internal/buckets"
	"github.com/pable/hs-deck-predict/internal/ilt"
	"github.com/pable/hs-deck-predict/internal/metrics"
	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/store"
	"github.com/pable/hs-deck-predict/internal/tree"
)

// Registry assigns stable ids to distinct full decks.
type Registry interface {
	GetOrCreateDeck(ctx context.Context, cards model.CardMap) (model.DeckID, error)
	DeckByID(ctx context.Context, id model.DeckID) (model.Deck, error)
}

// Action is what the orchestrator did with one player.
type Action string

const (
	ActionSkipped   Action = "skipped"
	ActionObserved  Action = "observed"
	ActionPredicted Action = "predicted"
)

// Skip reasons.
const (
	ReasonGameType  = "game_type"
	ReasonAI        = "ai"
	ReasonClass     = "class"
	ReasonFormat    = "format"
	ReasonNoCards   = "no_cards"
	ReasonOversized = "oversized"
	ReasonInvalid   = "invalid_cards"
	ReasonTooFew    = "too_few_cards"
)

// Outcome reports how one player record was handled.
type Outcome struct {
	Game            string
	Player          string
	Format          model.FormatType
	Class           model.CardClass
	Action          Action
	Reason          string // set when skipped
	DeckID          model.DeckID
	CrossValidation *tree.CrossValidation
	Prediction      *Prediction
}

// Prediction is the combined answer of both predictors for a partial deck.
// A predictor that failed contributes a zero result and its error.
type Prediction struct {
	Tree           tree.Result
	ILT            ilt.Result
	TreeErr        error
	ILTErr         error
	AgreeDeck      bool
	AgreeArchetype bool
	Duration       time.Duration
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	db    *store.DB
	cache *Cache
	reg   Registry
	sink  metrics.Sink
	now   func() time.Time
	log   logrus.FieldLogger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now for counters and timings.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithLogger sets the orchestrator logger.
func WithLogger(l logrus.FieldLogger) Option { return func(o *Orchestrator) { o.log = l } }

// WithSink sets where measurements go. The default discards them.
func WithSink(s metrics.Sink) Option { return func(o *Orchestrator) { o.sink = s } }

// New wires an orchestrator over the shared store, predictor cache and registry.
func New(db *store.DB, cache *Cache, reg Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:    db,
		cache: cache,
		reg:   reg,
		sink:  metrics.Nop{},
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
	for _, fn := range opts {
		fn(o)
	}
	o.log = o.log.WithField("component", "orchestrator")
	return o
}

// Cache exposes the predictor cache.
func (o *Orchestrator) Cache() *Cache { return o.cache }

// Process handles every player of game. Store failures while recording a
// full deck abort the game and are returned; prediction failures only
// degrade the affected prediction.
func (o *Orchestrator) Process(ctx context.Context, game model.GameRecord) ([]Outcome, error) {
	out := make([]Outcome, 0, len(game.Players))
	for _, p := range game.Players {
		oc, err := o.processPlayer(ctx, game, p)
		if err != nil {
			return out, fmt.Errorf("process game %s player %s: %w", game.ID, p.Name, err)
		}
		out = append(out, oc)
	}
	return out, nil
}

// eligibility returns the player's format, or the reason the player is skipped.
func (o *Orchestrator) eligibility(game model.GameRecord, p model.PlayerRecord) (model.FormatType, string) {
	full := o.cache.Config().Prediction.FullDeckSize
	switch {
	case !game.GameType.Ranked():
		return model.FormatUnknown, ReasonGameType
	case p.IsAI:
		return model.FormatUnknown, ReasonAI
	case !p.PlayerClass.Playable():
		return model.FormatUnknown, ReasonClass
	}
	format := game.GameType.Format()
	if format != model.FormatStandard && format != model.FormatWild {
		return model.FormatUnknown, ReasonFormat
	}
	if err := p.KnownCards.Validate(); err != nil {
		return format, ReasonInvalid
	}
	switch total := p.KnownCards.Total(); {
	case total == 0:
		return format, ReasonNoCards
	case total > full:
		return format, ReasonOversized
	}
	return format, ""
}

func (o *Orchestrator) processPlayer(ctx context.Context, game model.GameRecord, p model.PlayerRecord) (Outcome, error) {
	oc := Outcome{Game: game.ID, Player: p.Name, Class: p.PlayerClass}
	format, reason := o.eligibility(game, p)
	oc.Format = format
	if reason != "" {
		return o.skip(oc, reason), nil
	}
	cfg := o.cache.Config().Prediction
	o.countGame(ctx, format, p.PlayerClass)

	if p.KnownCards.Total() == cfg.FullDeckSize {
		id, err := o.ObserveDeck(ctx, format, p.PlayerClass, p.KnownCards, p.Played, game.ID+"/"+p.Name)
		if err != nil {
			return oc, err
		}
		oc.Action, oc.DeckID = ActionObserved, id
		oc.CrossValidation = o.crossValidate(ctx, format, p.PlayerClass, id, p.Played, o.tags(oc))
		return oc, nil
	}

	if p.KnownCards.Total() < cfg.MinObservedCards || len(p.Played) < cfg.MinPlayedCards {
		return o.skip(oc, ReasonTooFew), nil
	}
	pred := o.Predict(ctx, format, p.PlayerClass, p.KnownCards, p.Played)
	oc.Action, oc.Prediction = ActionPredicted, &pred
	o.emitConsensus(o.tags(oc), pred)
	return oc, nil
}

func (o *Orchestrator) tags(oc Outcome) map[string]string {
	return map[string]string{
		"format": oc.Format.String(),
		"class":  oc.Class.String(),
		"game":   oc.Game,
		"player": oc.Player,
	}
}

func (o *Orchestrator) skip(oc Outcome, reason string) Outcome {
	oc.Action, oc.Reason = ActionSkipped, reason
	t := o.tags(oc)
	t["reason"] = reason
	o.sink.Emit(metrics.Skipped, t, nil)
	return oc
}

// ObserveDeck registers a full deck with the registry and both predictors.
// An empty play sequence only trains the inverse lookup table.
func (o *Orchestrator) ObserveDeck(ctx context.Context, format model.FormatType, class model.CardClass,
	cards model.CardMap, seq model.PlaySequence, dedupToken string) (model.DeckID, error) {
	full := o.cache.Config().Prediction.FullDeckSize
	if got := cards.Total(); got != full {
		return 0, &model.InvalidDeckSizeError{Got: got, Want: full}
	}
	tbl, err := o.cache.Table(format, class)
	if err != nil {
		return 0, err
	}
	tr, err := o.cache.Tree(format, class)
	if err != nil {
		return 0, err
	}
	id, err := o.reg.GetOrCreateDeck(ctx, cards)
	if err != nil {
		return 0, fmt.Errorf("register deck: %w", err)
	}
	if err := tbl.Observe(ctx, cards, id, dedupToken); err != nil {
		return id, err
	}
	if len(seq) > 0 {
		if err := tr.Observe(ctx, id, cards, seq); err != nil {
			return id, err
		}
	}
	o.countDeck(ctx, format, class, id)
	o.sink.Emit(metrics.Observed, map[string]string{
		"format": format.String(), "class": class.String(), "deck": id.String(),
	}, map[string]float64{"cards": float64(cards.Total()), "plays": float64(len(seq))})
	return id, nil
}

// crossValidate checks whether the tree would have named deck from the
// sequence minus its last plays. Failures are logged and measured only.
func (o *Orchestrator) crossValidate(ctx context.Context, format model.FormatType, class model.CardClass,
	deck model.DeckID, seq model.PlaySequence, tags map[string]string) *tree.CrossValidation {
	cfg := o.cache.Config()
	if len(seq) == 0 || !cfg.Tree.CrossValidatable(cfg.Prediction.CrossValidationHoldout) {
		return nil
	}
	tr, err := o.cache.Tree(format, class)
	if err == nil {
		var cv tree.CrossValidation
		cv, err = tr.CrossValidate(ctx, deck, seq, cfg.Prediction.CrossValidationHoldout)
		if err == nil {
			if !cv.Validatable {
				return nil
			}
			fields := map[string]float64{
				"match":          metrics.Bool(cv.Match),
				"found":          metrics.Bool(cv.Result.Found),
				"tie":            metrics.Bool(cv.Result.Tie),
				"match_attempts": float64(cv.Result.MatchAttempts),
				"prefix":         float64(len(cv.Prefix)),
			}
			if cv.Result.Node != nil {
				fields["tree_depth"] = float64(cv.Result.Node.Depth)
			}
			o.sink.Emit(metrics.CrossValidation, tags, fields)
			return &cv
		}
	}
	o.failure(tags, "cross_validation", err)
	return nil
}

// Predict runs both predictors on a partial deck. It never fails: a
// predictor error leaves that predictor's result empty.
func (o *Orchestrator) Predict(ctx context.Context, format model.FormatType, class model.CardClass,
	cards model.CardMap, seq model.PlaySequence) Prediction {
	start := o.now()
	var pred Prediction
	var g errgroup.Group
	g.Go(func() error {
		tr, err := o.cache.Tree(format, class)
		if err == nil {
			pred.Tree, err = tr.Lookup(ctx, cards, seq)
		}
		pred.TreeErr = err
		return nil
	})
	g.Go(func() error {
		tbl, err := o.cache.Table(format, class)
		if err == nil {
			pred.ILT, err = tbl.Predict(ctx, cards)
		}
		pred.ILTErr = err
		return nil
	})
	_ = g.Wait()

	tags := map[string]string{"format": format.String(), "class": class.String()}
	if pred.TreeErr != nil {
		o.failure(tags, "tree_lookup", pred.TreeErr)
		pred.Tree = tree.Result{}
	}
	if pred.ILTErr != nil {
		o.failure(tags, "ilt_predict", pred.ILTErr)
		pred.ILT = ilt.Result{}
	}

	if pred.Tree.Found && pred.ILT.Found {
		pred.AgreeDeck = pred.Tree.DeckID == pred.ILT.DeckID
		pred.AgreeArchetype = pred.AgreeDeck || o.sameArchetype(ctx, pred.Tree.DeckID, pred.ILT.DeckID)
	}
	pred.Duration = o.now().Sub(start)
	return pred
}

// sameArchetype reports whether both decks carry the same non-zero archetype.
func (o *Orchestrator) sameArchetype(ctx context.Context, a, b model.DeckID) bool {
	left, err := o.cache.Deck(ctx, o.reg, a)
	if err != nil {
		o.log.WithError(err).WithField("deck", a).Warn("resolve archetype")
		return false
	}
	right, err := o.cache.Deck(ctx, o.reg, b)
	if err != nil {
		o.log.WithError(err).WithField("deck", b).Warn("resolve archetype")
		return false
	}
	return left.ArchetypeID != 0 && left.ArchetypeID == right.ArchetypeID
}

func (o *Orchestrator) emitConsensus(tags map[string]string, p Prediction) {
	fields := map[string]float64{
		"tree_found":      metrics.Bool(p.Tree.Found),
		"ilt_found":       metrics.Bool(p.ILT.Found),
		"agree_deck":      metrics.Bool(p.AgreeDeck),
		"agree_archetype": metrics.Bool(p.AgreeArchetype),
		"fuzzy_dropped":   float64(p.ILT.FuzzyDropped),
		"ilt_candidates":  float64(p.ILT.Candidates),
		"match_attempts":  float64(p.Tree.MatchAttempts),
		"tie":             metrics.Bool(p.Tree.Tie),
		"duration_ms":     float64(p.Duration) / float64(time.Millisecond),
	}
	if p.Tree.Node != nil {
		fields["tree_depth"] = float64(p.Tree.Node.Depth)
	}
	o.sink.Emit(metrics.Consensus, tags, fields)
}

func (o *Orchestrator) failure(tags map[string]string, stage string, err error) {
	t := make(map[string]string, len(tags)+2)
	for k, v := range tags {
		t[k] = v
	}
	t["stage"] = stage
	t["kind"] = "other"
	switch {
	case errors.Is(err, store.ErrUnavailable):
		t["kind"] = "unavailable"
	case errors.Is(err, model.ErrInvalidInput):
		t["kind"] = "invalid_input"
	case errors.Is(err, model.ErrConfiguration):
		t["kind"] = "configuration"
	}
	o.log.WithFields(logrus.Fields{"stage": stage, "format": tags["format"], "class": tags["class"]}).
		WithError(err).Warn("prediction degraded")
	o.sink.Emit(metrics.Failure, t, nil)
}

// ---- counters ----

func (o *Orchestrator) counter(name string, format model.FormatType, class model.CardClass) (*buckets.Counter, error) {
	c := o.cache.Config().Counters
	return buckets.NewCounter(o.db.Sub("counters", name, format, class),
		time.Duration(c.BucketSeconds)*time.Second, c.TTL(), buckets.WithClock(o.now))
}

func (o *Orchestrator) countGame(ctx context.Context, format model.FormatType, class model.CardClass) {
	c, err := o.counter("games", format, class)
	if err == nil {
		err = c.Incr(ctx, o.now(), 1)
	}
	if err != nil {
		o.log.WithError(err).Warn("count game")
	}
}

func (o *Orchestrator) countDeck(ctx context.Context, format model.FormatType, class model.CardClass, id model.DeckID) {
	c, err := o.counter("decks", format, class)
	if err == nil {
		err = c.AddMember(ctx, o.now(), id.String())
	}
	if err != nil {
		o.log.WithError(err).Warn("count deck")
	}
}

// ScopeStats are the counter totals of one format and class.
type ScopeStats struct {
	Format model.FormatType
	Class  model.CardClass
	Games  int64
	Decks  int
}

// Stats returns per-(format, class) totals over [since, now], omitting
// scopes with no activity.
func (o *Orchestrator) Stats(ctx context.Context, since time.Time) ([]ScopeStats, error) {
	now := o.now()
	var out []ScopeStats
	for _, format := range []model.FormatType{model.FormatStandard, model.FormatWild} {
		for _, class := range model.Classes() {
			games, err := o.counter("games", format, class)
			if err != nil {
				return nil, err
			}
			decks, err := o.counter("decks", format, class)
			if err != nil {
				return nil, err
			}
			n, err := games.Count(ctx, since, now)
			if err != nil {
				return nil, err
			}
			d, err := decks.Cardinality(ctx, since, now)
			if err != nil {
				return nil, err
			}
			if n == 0 && d == 0 {
				continue
			}
			out = append(out, ScopeStats{Format: format, Class: class, Games: n, Decks: d})
		}
	}
	return out, nil
}
