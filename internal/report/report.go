package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/pable/hs-deck-predict/internal/buckets"
	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/orchestrator"
	"github.com/pable/hs-deck-predict/internal/storage"
	"github.com/pable/hs-deck-predict/internal/tree"
)

func newTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewTable(w, tablewriter.WithConfig(tablewriter.Config{
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignRight},
		},
		Header: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignCenter},
		},
	}))
}

func pct(n, d int) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", 100*float64(n)/float64(d))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func deckOrDash(found bool, id model.DeckID) string {
	if !found {
		return "-"
	}
	return id.String()
}

// PrintOutcomes prints one row per processed player.
func PrintOutcomes(w io.Writer, outcomes []orchestrator.Outcome) {
	table := newTable(w)
	table.Header("GAME", "PLAYER", "FORMAT", "CLASS", "ACTION", "DECK", "TREE", "ILT", "FUZZY", "AGREE", "NOTE")
	for _, o := range outcomes {
		deck, treeDeck, iltDeck, fuzzy, agree, note := "-", "-", "-", "-", "-", ""
		switch o.Action {
		case orchestrator.ActionSkipped:
			note = o.Reason
		case orchestrator.ActionObserved:
			deck = o.DeckID.String()
			if cv := o.CrossValidation; cv != nil && cv.Validatable {
				note = "cv miss"
				if cv.Match {
					note = "cv hit"
				}
			}
		case orchestrator.ActionPredicted:
			p := o.Prediction
			treeDeck = deckOrDash(p.Tree.Found, p.Tree.DeckID)
			iltDeck = deckOrDash(p.ILT.Found, p.ILT.DeckID)
			fuzzy = strconv.Itoa(p.ILT.FuzzyDropped)
			switch {
			case p.AgreeDeck:
				agree = "deck"
			case p.AgreeArchetype:
				agree = "archetype"
			case p.Tree.Found && p.ILT.Found:
				agree = "none"
			}
			if p.TreeErr != nil || p.ILTErr != nil {
				note = "degraded"
			}
		}
		table.Append(o.Game, o.Player, o.Format.String(), o.Class.String(), string(o.Action),
			deck, treeDeck, iltDeck, fuzzy, agree, note)
	}
	table.Render()
}

// PrintPrediction prints both predictors' answers for one partial deck.
func PrintPrediction(w io.Writer, p orchestrator.Prediction) {
	table := newTable(w)
	table.Header("PREDICTOR", "FOUND", "DECK", "DETAIL", "ERROR")

	treeDetail := "no node"
	if n := p.Tree.Node; n != nil {
		treeDetail = fmt.Sprintf("depth %d, %d candidates", n.Depth, p.Tree.MatchAttempts)
		if p.Tree.Tie {
			treeDetail += ", tie"
		}
	}
	iltDetail := fmt.Sprintf("%d candidates, %d dropped, popularity %d",
		p.ILT.Candidates, p.ILT.FuzzyDropped, p.ILT.Popularity)

	table.Append("tree", yesNo(p.Tree.Found), deckOrDash(p.Tree.Found, p.Tree.DeckID), treeDetail, errString(p.TreeErr))
	table.Append("ilt", yesNo(p.ILT.Found), deckOrDash(p.ILT.Found, p.ILT.DeckID), iltDetail, errString(p.ILTErr))
	table.Render()
	fmt.Fprintf(w, "\nAgree on deck: %s  |  Agree on archetype: %s  |  Took: %s\n",
		yesNo(p.AgreeDeck), yesNo(p.AgreeArchetype), p.Duration)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// PrintPath prints the tree nodes along a play sequence with their most
// popular decks.
func PrintPath(w io.Writer, path []tree.PathNode, asPct bool) {
	table := newTable(w)
	table.Header("DEPTH", "NODE", "CARD", "TOP DECKS", "ENDED HERE")
	for _, n := range path {
		table.Append(strconv.Itoa(n.Depth), strconv.FormatInt(int64(n.ID), 10), strconv.Itoa(int(n.Label)),
			formatEntries(n.Decks, asPct), formatTerminal(n.Terminal))
	}
	table.Render()
}

// PrintDistribution prints a single popularity distribution.
func PrintDistribution(w io.Writer, entries []buckets.Entry, asPct bool) {
	table := newTable(w)
	if asPct {
		table.Header("DECK", "SHARE")
	} else {
		table.Header("DECK", "COUNT")
	}
	for _, e := range entries {
		table.Append(e.Key, formatScore(e.Score, asPct))
	}
	table.Render()
}

func formatScore(v float64, asPct bool) string {
	if asPct {
		return fmt.Sprintf("%.1f%%", v)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatEntries(entries []buckets.Entry, asPct bool) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Key+"="+formatScore(e.Score, asPct))
	}
	return strings.Join(parts, " ")
}

func formatTerminal(m map[model.DeckID]int64) string {
	if len(m) == 0 {
		return ""
	}
	ids := make([]model.DeckID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d×%d", id, m[id])
	}
	return strings.Join(parts, " ")
}

// PrintStats prints the bucketed activity counters.
func PrintStats(w io.Writer, stats []orchestrator.ScopeStats) {
	table := newTable(w)
	table.Header("FORMAT", "CLASS", "GAMES", "DISTINCT DECKS")
	var games int64
	var decks int
	for _, s := range stats {
		table.Append(s.Format.String(), s.Class.String(), strconv.FormatInt(s.Games, 10), strconv.Itoa(s.Decks))
		games += s.Games
		decks += s.Decks
	}
	table.Footer("", "TOTAL", strconv.FormatInt(games, 10), strconv.Itoa(decks))
	table.Render()
}

// PrintDecks lists registered decks.
func PrintDecks(w io.Writer, decks []model.Deck) {
	table := newTable(w)
	table.Header("ID", "CARDS", "DISTINCT", "ARCHETYPE")
	for _, d := range decks {
		arch := "-"
		if d.ArchetypeID != 0 {
			arch = strconv.FormatInt(d.ArchetypeID, 10)
		}
		table.Append(d.ID.String(), strconv.Itoa(d.Cards.Total()), strconv.Itoa(len(d.Cards.Keys())), arch)
	}
	table.Render()
}

// PrintDeck prints the card list of one deck.
func PrintDeck(w io.Writer, d model.Deck) {
	arch := "unclassified"
	if d.ArchetypeID != 0 {
		arch = strconv.FormatInt(d.ArchetypeID, 10)
	}
	fmt.Fprintf(w, "\nDeck %d  |  %d cards  |  Archetype: %s\n\n", d.ID, d.Cards.Total(), arch)
	table := newTable(w)
	table.Header("CARD", "COPIES")
	for _, id := range d.Cards.Keys() {
		table.Append(strconv.Itoa(int(id)), strconv.Itoa(d.Cards[id]))
	}
	table.Render()
}

// PrintConsensus prints the stored predictor agreement per format and class.
func PrintConsensus(w io.Writer, rows []storage.ConsensusStats) {
	table := newTable(w)
	table.Header("FORMAT", "CLASS", "PREDICTIONS", "TREE%", "ILT%", "SAME DECK%", "SAME ARCH%", "AVG FUZZY", "AVG MS")
	for _, r := range rows {
		table.Append(r.Format, r.Class, strconv.Itoa(r.Predictions),
			pct(r.TreeFound, r.Predictions), pct(r.ILTFound, r.Predictions),
			pct(r.AgreeDeck, r.Predictions), pct(r.AgreeArchetype, r.Predictions),
			fmt.Sprintf("%.2f", r.AvgFuzzy), fmt.Sprintf("%.1f", r.AvgDurationMs))
	}
	table.Render()
}

// PrintBacktest prints replay accuracy per format and class.
func PrintBacktest(w io.Writer, rows []orchestrator.BacktestRow) {
	table := newTable(w)
	table.Header("FORMAT", "CLASS", "DECKS", "PREDICTABLE", "TREE HIT%", "ILT HIT%", "ANY HIT%", "AGREE%")
	var total orchestrator.BacktestRow
	for _, r := range rows {
		table.Append(r.Format.String(), r.Class.String(), strconv.Itoa(r.Decks), strconv.Itoa(r.Predictable),
			pct(r.TreeHits, r.Predictable), pct(r.ILTHits, r.Predictable),
			pct(r.AnyHits, r.Predictable), pct(r.Agreements, r.Predictable))
		total.Decks += r.Decks
		total.Predictable += r.Predictable
		total.TreeHits += r.TreeHits
		total.ILTHits += r.ILTHits
		total.AnyHits += r.AnyHits
		total.Agreements += r.Agreements
	}
	table.Footer("", "TOTAL", strconv.Itoa(total.Decks), strconv.Itoa(total.Predictable),
		pct(total.TreeHits, total.Predictable), pct(total.ILTHits, total.Predictable),
		pct(total.AnyHits, total.Predictable), pct(total.Agreements, total.Predictable))
	table.Render()
}

// PrintNameCounts prints a two-column count table under the given label.
func PrintNameCounts(w io.Writer, label string, rows []storage.NameCount) {
	table := newTable(w)
	table.Header(label, "COUNT")
	for _, r := range rows {
		table.Append(r.Name, strconv.Itoa(r.Count))
	}
	table.Render()
}

// PrintRows prints the result of an ad hoc query.
func PrintRows(w io.Writer, cols []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(no rows)")
		return
	}
	table := newTable(w)
	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	table.Header(header...)
	for _, row := range rows {
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = v
		}
		table.Append(cells...)
	}
	table.Render()
	fmt.Fprintf(w, "\n(%d rows)\n", len(rows))
}
