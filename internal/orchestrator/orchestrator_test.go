package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pable/hs-deck-predict/internal/config"
	"github.com/pable/hs-deck-predict/internal/metrics"
	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeRegistry hands out ids in registration order.
type fakeRegistry struct {
	mu         sync.Mutex
	ids        map[string]model.DeckID
	decks      map[model.DeckID]model.Deck
	archetypes map[model.DeckID]int64
	lookups    int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		ids:        map[string]model.DeckID{},
		decks:      map[model.DeckID]model.Deck{},
		archetypes: map[model.DeckID]int64{},
	}
}

func (r *fakeRegistry) GetOrCreateDeck(_ context.Context, cards model.CardMap) (model.DeckID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cards.Encode()
	if id, ok := r.ids[key]; ok {
		return id, nil
	}
	id := model.DeckID(len(r.ids) + 1)
	r.ids[key] = id
	r.decks[id] = model.Deck{ID: id, Cards: cards}
	return id, nil
}

func (r *fakeRegistry) DeckByID(_ context.Context, id model.DeckID) (model.Deck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	d, ok := r.decks[id]
	if !ok {
		return model.Deck{}, fmt.Errorf("no deck %d", id)
	}
	d.ArchetypeID = r.archetypes[id]
	return d, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Redis.Namespace = "test"
	cfg.Prediction.FullDeckSize = 4
	cfg.Prediction.MinCardsForPrediction = 2
	cfg.Prediction.MinObservedCards = 2
	cfg.Prediction.MinPlayedCards = 1
	cfg.Prediction.MaxFuzzyCardsRemoved = 1
	cfg.Prediction.CrossValidationHoldout = 1
	return cfg
}

type fixture struct {
	orch  *Orchestrator
	reg   *fakeRegistry
	sink  *metrics.Memory
	clock *fakeClock
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	db := store.New(client, cfg.Redis.Namespace)

	clock := &fakeClock{t: time.Date(2024, 3, 14, 15, 30, 0, 0, time.UTC)}
	cache, err := NewCache(db, cfg, WithCacheClock(clock.Now))
	require.NoError(t, err)
	reg := newFakeRegistry()
	sink := metrics.NewMemory()
	return &fixture{
		orch:  New(db, cache, reg, WithClock(clock.Now), WithSink(sink)),
		reg:   reg,
		sink:  sink,
		clock: clock,
		mr:    mr,
	}
}

func ranked(id string, players ...model.PlayerRecord) model.GameRecord {
	return model.GameRecord{ID: id, GameType: model.GameTypeRankedStandard, Players: players}
}

func mage(name string, cards model.CardMap, plays ...model.CardID) model.PlayerRecord {
	return model.PlayerRecord{Name: name, PlayerClass: model.ClassMage, KnownCards: cards, Played: plays}
}

func TestIneligiblePlayersAreSkipped(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	cards := model.CardMap{1: 2, 2: 2}

	cases := []struct {
		name   string
		game   model.GameRecord
		reason string
	}{
		{"casual", model.GameRecord{ID: "g", GameType: model.GameTypeCasualStandard, Players: []model.PlayerRecord{mage("p", cards, 1)}}, ReasonGameType},
		{"arena", model.GameRecord{ID: "g", GameType: model.GameTypeArena, Players: []model.PlayerRecord{mage("p", cards, 1)}}, ReasonGameType},
		{"ai", ranked("g", model.PlayerRecord{Name: "bot", PlayerClass: model.ClassMage, IsAI: true, KnownCards: cards}), ReasonAI},
		{"class", ranked("g", model.PlayerRecord{Name: "p", KnownCards: cards}), ReasonClass},
		{"no cards", ranked("g", mage("p", model.CardMap{})), ReasonNoCards},
		{"oversized", ranked("g", mage("p", model.CardMap{1: 5})), ReasonOversized},
		{"invalid", ranked("g", mage("p", model.CardMap{0: 1})), ReasonInvalid},
		{"too few cards", ranked("g", mage("p", model.CardMap{1: 1}, 1)), ReasonTooFew},
		{"too few plays", ranked("g", mage("p", model.CardMap{1: 1, 2: 1})), ReasonTooFew},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := f.orch.Process(ctx, tc.game)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, ActionSkipped, out[0].Action)
			assert.Equal(t, tc.reason, out[0].Reason)

			recs := f.sink.Records(metrics.Skipped)
			require.NotEmpty(t, recs)
			assert.Equal(t, tc.reason, recs[len(recs)-1].Tags["reason"])
		})
	}
	assert.Empty(t, f.sink.Records(metrics.Observed))
	assert.Empty(t, f.sink.Records(metrics.Consensus))
}

func TestFullDeckIsObservedAndCrossValidated(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	deck := model.CardMap{1: 2, 2: 2}

	out, err := f.orch.Process(ctx, ranked("g1", mage("alice", deck, 1, 2, 1)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ActionObserved, out[0].Action)
	assert.Equal(t, model.DeckID(1), out[0].DeckID)
	require.NotNil(t, out[0].CrossValidation)
	assert.True(t, out[0].CrossValidation.Match)

	out, err = f.orch.Process(ctx, ranked("g2", mage("bob", model.CardMap{2: 2, 1: 2}, 2)))
	require.NoError(t, err)
	assert.Equal(t, model.DeckID(1), out[0].DeckID)
	// One play leaves nothing after the holdout.
	assert.Nil(t, out[0].CrossValidation)

	assert.Len(t, f.sink.Records(metrics.Observed), 2)
	cv := f.sink.Records(metrics.CrossValidation)
	require.Len(t, cv, 1)
	assert.Equal(t, 1.0, cv[0].Fields["match"])
	assert.Equal(t, "MAGE", cv[0].Tags["class"])
	assert.Equal(t, "standard", cv[0].Tags["format"])
}

func TestPartialDeckIsPredictedByBoth(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.orch.Process(ctx, ranked("g1", mage("alice", model.CardMap{1: 2, 2: 2}, 1, 2, 1)))
	require.NoError(t, err)
	_, err = f.orch.Process(ctx, ranked("g2", mage("bob", model.CardMap{3: 2, 4: 2}, 3, 4)))
	require.NoError(t, err)

	out, err := f.orch.Process(ctx, ranked("g3", mage("carol", model.CardMap{1: 1, 2: 1}, 1, 2)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ActionPredicted, out[0].Action)
	p := out[0].Prediction
	require.NotNil(t, p)
	assert.True(t, p.Tree.Found)
	assert.True(t, p.ILT.Found)
	assert.Equal(t, model.DeckID(1), p.Tree.DeckID)
	assert.Equal(t, model.DeckID(1), p.ILT.DeckID)
	assert.True(t, p.AgreeDeck)
	assert.True(t, p.AgreeArchetype)
	assert.NoError(t, p.TreeErr)
	assert.NoError(t, p.ILTErr)

	cons := f.sink.Records(metrics.Consensus)
	require.Len(t, cons, 1)
	assert.Equal(t, 1.0, cons[0].Fields["tree_found"])
	assert.Equal(t, 1.0, cons[0].Fields["agree_deck"])
	assert.Equal(t, 2.0, cons[0].Fields["tree_depth"])
	assert.Equal(t, "carol", cons[0].Tags["player"])
}

func TestPredictorsDisagreeOnDeckButShareArchetype(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	plays := model.PlaySequence{2, 1}

	a := model.CardMap{1: 2, 2: 2}
	b := model.CardMap{1: 2, 2: 1, 3: 1}
	// The tree counts every observation; the table counts distinct tokens.
	for i := 0; i < 2; i++ {
		_, err := f.orch.ObserveDeck(ctx, model.FormatStandard, model.ClassMage, a, plays, fmt.Sprintf("a%d", i))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := f.orch.ObserveDeck(ctx, model.FormatStandard, model.ClassMage, b, plays, "b")
		require.NoError(t, err)
	}
	f.reg.archetypes[1] = 7
	f.reg.archetypes[2] = 7

	p := f.orch.Predict(ctx, model.FormatStandard, model.ClassMage, model.CardMap{1: 1, 2: 1}, plays)
	require.True(t, p.Tree.Found)
	require.True(t, p.ILT.Found)
	assert.Equal(t, model.DeckID(2), p.Tree.DeckID)
	assert.Equal(t, model.DeckID(1), p.ILT.DeckID)
	assert.False(t, p.AgreeDeck)
	assert.True(t, p.AgreeArchetype)

	f.reg.archetypes[2] = 8
	f.orch.Cache().decks = newDeckCache(10)
	p = f.orch.Predict(ctx, model.FormatStandard, model.ClassMage, model.CardMap{1: 1, 2: 1}, plays)
	assert.False(t, p.AgreeArchetype)
}

func TestPredictionDegradesWhenStoreIsDown(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.mr.Close()

	out, err := f.orch.Process(ctx, ranked("g1", mage("carol", model.CardMap{1: 1, 2: 1}, 1, 2)))
	require.NoError(t, err)
	require.Equal(t, ActionPredicted, out[0].Action)
	p := out[0].Prediction
	assert.False(t, p.Tree.Found)
	assert.False(t, p.ILT.Found)
	assert.ErrorIs(t, p.TreeErr, store.ErrUnavailable)
	assert.ErrorIs(t, p.ILTErr, store.ErrUnavailable)

	fails := f.sink.Records(metrics.Failure)
	require.Len(t, fails, 2)
	for _, r := range fails {
		assert.Equal(t, "unavailable", r.Tags["kind"])
	}
	assert.Len(t, f.sink.Records(metrics.Consensus), 1)
}

func TestObserveFailureIsReturned(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mr.Close()

	_, err := f.orch.Process(context.Background(), ranked("g1", mage("alice", model.CardMap{1: 2, 2: 2}, 1)))
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Contains(t, err.Error(), "g1")
}

func TestObserveDeckRejectsPartialDeck(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.orch.ObserveDeck(context.Background(), model.FormatStandard, model.ClassMage, model.CardMap{1: 1}, nil, "")
	var sizeErr *model.InvalidDeckSizeError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, 4, sizeErr.Want)
}

func TestObserveDeckWithoutPlaysTrainsTableOnly(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	deck := model.CardMap{1: 2, 2: 2}

	_, err := f.orch.ObserveDeck(ctx, model.FormatWild, model.ClassRogue, deck, nil, "")
	require.NoError(t, err)

	p := f.orch.Predict(ctx, model.FormatWild, model.ClassRogue, model.CardMap{1: 1, 2: 1}, model.PlaySequence{1})
	assert.True(t, p.ILT.Found)
	assert.False(t, p.Tree.Found)
	assert.Nil(t, p.Tree.Node)
}

func TestStats(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.orch.Process(ctx, ranked("g1",
		mage("alice", model.CardMap{1: 2, 2: 2}, 1),
		mage("bob", model.CardMap{3: 2, 4: 2}, 3),
	))
	require.NoError(t, err)
	_, err = f.orch.Process(ctx, ranked("g2", mage("alice", model.CardMap{1: 2, 2: 2}, 2)))
	require.NoError(t, err)
	_, err = f.orch.Process(ctx, model.GameRecord{ID: "g3", GameType: model.GameTypeRankedWild, Players: []model.PlayerRecord{
		{Name: "eve", PlayerClass: model.ClassWarrior, KnownCards: model.CardMap{9: 1, 8: 1}, Played: model.PlaySequence{9}},
	}})
	require.NoError(t, err)

	stats, err := f.orch.Stats(ctx, f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, ScopeStats{Format: model.FormatStandard, Class: model.ClassMage, Games: 3, Decks: 2}, stats[0])
	assert.Equal(t, ScopeStats{Format: model.FormatWild, Class: model.ClassWarrior, Games: 1, Decks: 0}, stats[1])
}

func TestCacheReconfigure(t *testing.T) {
	f := newFixture(t, testConfig())
	cache := f.orch.Cache()

	t1, err := cache.Table(model.FormatStandard, model.ClassMage)
	require.NoError(t, err)
	t2, err := cache.Table(model.FormatStandard, model.ClassMage)
	require.NoError(t, err)
	assert.Same(t, t1, t2)

	changed, err := cache.Reconfigure(testConfig())
	require.NoError(t, err)
	assert.False(t, changed)
	t3, _ := cache.Table(model.FormatStandard, model.ClassMage)
	assert.Same(t, t1, t3)

	cfg := testConfig()
	cfg.Prediction.MaxFuzzyCardsRemoved = 2
	changed, err = cache.Reconfigure(cfg)
	require.NoError(t, err)
	assert.True(t, changed)
	t4, _ := cache.Table(model.FormatStandard, model.ClassMage)
	assert.NotSame(t, t1, t4)
	assert.Equal(t, 2, cache.Config().Prediction.MaxFuzzyCardsRemoved)

	bad := testConfig()
	bad.Prediction.FullDeckSize = 0
	_, err = cache.Reconfigure(bad)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestDeckCacheIsBounded(t *testing.T) {
	reg := newFakeRegistry()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := reg.GetOrCreateDeck(ctx, model.CardMap{model.CardID(i): 1})
		require.NoError(t, err)
	}
	cache, err := NewCache(store.New(redis.NewClient(&redis.Options{}), "test"), testConfig(), WithDeckCacheSize(2))
	require.NoError(t, err)

	for _, id := range []model.DeckID{1, 2, 1, 3} {
		_, err := cache.Deck(ctx, reg, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.decks.size())
	assert.Equal(t, 3, reg.lookups)

	// 2 was least recently used and is gone; 1 survived.
	_, _ = cache.Deck(ctx, reg, 1)
	assert.Equal(t, 3, reg.lookups)
	_, _ = cache.Deck(ctx, reg, 2)
	assert.Equal(t, 4, reg.lookups)

	_, err = cache.Deck(ctx, reg, 99)
	assert.Error(t, err)
}
