package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pable/hs-deck-predict/internal/model"
)

func TestBacktestOnlySeesEarlierGames(t *testing.T) {
	f := newFixture(t, testConfig())
	f.orch.reg = NewMemoryRegistry()
	ctx := context.Background()

	deck := model.CardMap{1: 2, 2: 2}
	var games []model.GameRecord
	for i := 0; i < 3; i++ {
		games = append(games, ranked(fmt.Sprintf("g%d", i), mage("alice", deck, 1, 2, 1, 2)))
	}
	games = append(games, ranked("g-other",
		mage("bob", model.CardMap{5: 2, 6: 2}, 5, 6),
		model.PlayerRecord{Name: "bot", PlayerClass: model.ClassMage, IsAI: true, KnownCards: deck},
	))

	rows, err := f.orch.Backtest(ctx, games, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, model.FormatStandard, r.Format)
	assert.Equal(t, model.ClassMage, r.Class)
	assert.Equal(t, 4, r.Decks)
	assert.Equal(t, 4, r.Predictable)
	// The first sight of each deck cannot be predicted.
	assert.Equal(t, 2, r.TreeHits)
	assert.Equal(t, 2, r.ILTHits)
	assert.Equal(t, 2, r.AnyHits)
	assert.Equal(t, 2, r.Agreements)
}

func TestMemoryRegistry(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	a, err := r.GetOrCreateDeck(ctx, model.CardMap{1: 1})
	require.NoError(t, err)
	b, err := r.GetOrCreateDeck(ctx, model.CardMap{1: 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	d, err := r.DeckByID(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.CardMap{1: 1}, d.Cards)

	_, err = r.DeckByID(ctx, 42)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = r.GetOrCreateDeck(ctx, model.CardMap{-1: 1})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
