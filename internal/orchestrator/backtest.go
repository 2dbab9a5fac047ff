package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/pable/hs-deck-predict/internal/model"
)

// BacktestRow is the replay accuracy of one format and class.
type BacktestRow struct {
	Format      model.FormatType
	Class       model.CardClass
	Decks       int // full decks replayed
	Predictable int // decks whose revealed prefix met the prediction thresholds
	TreeHits    int
	ILTHits     int
	AnyHits     int
	Agreements  int
}

// Backtest replays games in order. Every eligible full deck is first
// predicted from the cards its first reveal plays exposed, then observed,
// so each prediction only sees decks from earlier games.
func (o *Orchestrator) Backtest(ctx context.Context, games []model.GameRecord, reveal int) ([]BacktestRow, error) {
	cfg := o.cache.Config().Prediction
	rows := map[scope]*BacktestRow{}
	for _, g := range games {
		for _, p := range g.Players {
			format, reason := o.eligibility(g, p)
			if reason != "" || p.KnownCards.Total() != cfg.FullDeckSize {
				continue
			}
			k := scope{format, p.PlayerClass}
			row, ok := rows[k]
			if !ok {
				row = &BacktestRow{Format: format, Class: p.PlayerClass}
				rows[k] = row
			}
			row.Decks++

			truth, err := o.reg.GetOrCreateDeck(ctx, p.KnownCards)
			if err != nil {
				return nil, err
			}
			prefix := p.Played.Prefix(reveal)
			revealed := prefix.CardMap()
			if len(prefix) >= cfg.MinPlayedCards && revealed.Total() >= cfg.MinObservedCards {
				row.Predictable++
				pred := o.Predict(ctx, format, p.PlayerClass, revealed, prefix)
				treeHit := pred.Tree.Found && pred.Tree.DeckID == truth
				iltHit := pred.ILT.Found && pred.ILT.DeckID == truth
				if treeHit {
					row.TreeHits++
				}
				if iltHit {
					row.ILTHits++
				}
				if treeHit || iltHit {
					row.AnyHits++
				}
				if pred.AgreeDeck {
					row.Agreements++
				}
			}
			if _, err := o.ObserveDeck(ctx, format, p.PlayerClass, p.KnownCards, p.Played, g.ID+"/"+p.Name); err != nil {
				return nil, err
			}
		}
	}

	out := make([]BacktestRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Format != out[j].Format {
			return out[i].Format > out[j].Format
		}
		return out[i].Class < out[j].Class
	})
	return out, nil
}

// MemoryRegistry is a process-local Registry for replays that must not
// touch the persistent deck registry.
type MemoryRegistry struct {
	mu    sync.Mutex
	ids   map[string]model.DeckID
	decks []model.Deck
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{ids: map[string]model.DeckID{}}
}

func (r *MemoryRegistry) GetOrCreateDeck(_ context.Context, cards model.CardMap) (model.DeckID, error) {
	if err := cards.Validate(); err != nil {
		return 0, err
	}
	key := cards.Encode()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[key]; ok {
		return id, nil
	}
	id := model.DeckID(len(r.decks) + 1)
	r.ids[key] = id
	r.decks = append(r.decks, model.Deck{ID: id, Cards: cards})
	return id, nil
}

func (r *MemoryRegistry) DeckByID(_ context.Context, id model.DeckID) (model.Deck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 1 || int(id) > len(r.decks) {
		return model.Deck{}, model.ErrInvalidInput
	}
	return r.decks[id-1], nil
}
