package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/pable/hs-deck-predict/internal/ilt"
	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/orchestrator"
	"github.com/pable/hs-deck-predict/internal/tree"
)

func TestPct(t *testing.T) {
	if got := pct(0, 0); got != "-" {
		t.Errorf("pct(0,0) = %q, want -", got)
	}
	if got := pct(1, 3); got != "33%" {
		t.Errorf("pct(1,3) = %q, want 33%%", got)
	}
}

func TestFormatTerminalSorted(t *testing.T) {
	got := formatTerminal(map[model.DeckID]int64{12: 1, 3: 2})
	if got != "3×2 12×1" {
		t.Errorf("formatTerminal = %q", got)
	}
	if formatTerminal(nil) != "" {
		t.Error("empty terminal map should render empty")
	}
}

func TestPrintOutcomes(t *testing.T) {
	outcomes := []orchestrator.Outcome{
		{Game: "g1", Player: "bot", Format: model.FormatStandard, Class: model.ClassMage,
			Action: orchestrator.ActionSkipped, Reason: orchestrator.ReasonAI},
		{Game: "g1", Player: "alice", Format: model.FormatStandard, Class: model.ClassMage,
			Action: orchestrator.ActionObserved, DeckID: 7,
			CrossValidation: &tree.CrossValidation{Validatable: true, Match: true}},
		{Game: "g2", Player: "bob", Format: model.FormatWild, Class: model.ClassPriest,
			Action: orchestrator.ActionPredicted, Prediction: &orchestrator.Prediction{
				Tree:      tree.Result{DeckID: 3, Found: true},
				ILT:       ilt.Result{DeckID: 3, Found: true, FuzzyDropped: 1},
				AgreeDeck: true,
				ILTErr:    errors.New("boom"),
			}},
	}
	var buf bytes.Buffer
	PrintOutcomes(&buf, outcomes)
	out := buf.String()
	for _, want := range []string{"ai", "cv hit", "deck", "degraded", "alice"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintBacktestTotals(t *testing.T) {
	rows := []orchestrator.BacktestRow{
		{Format: model.FormatStandard, Class: model.ClassMage, Decks: 4, Predictable: 4, TreeHits: 2, ILTHits: 1, AnyHits: 2, Agreements: 1},
		{Format: model.FormatWild, Class: model.ClassPriest, Decks: 2, Predictable: 0},
	}
	var buf bytes.Buffer
	PrintBacktest(&buf, rows)
	out := buf.String()
	if !strings.Contains(out, "TOTAL") || !strings.Contains(out, "50%") {
		t.Errorf("unexpected backtest output:\n%s", out)
	}
}

func TestPrintDeck(t *testing.T) {
	var buf bytes.Buffer
	PrintDeck(&buf, model.Deck{ID: 5, Cards: model.CardMap{10: 2, 11: 1}, ArchetypeID: 9})
	out := buf.String()
	if !strings.Contains(out, "Deck 5  |  3 cards  |  Archetype: 9") {
		t.Errorf("missing deck header:\n%s", out)
	}
}
