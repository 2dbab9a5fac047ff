package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CardID is a Hearthstone card database id (dbfId).
type CardID int32

// DeckID is an opaque identifier handed out by the deck registry.
type DeckID int64

// String renders the id the way it is stored as a sorted-set member.
func (d DeckID) String() string { return strconv.FormatInt(int64(d), 10) }

// ParseDeckID parses a store member back into a DeckID.
func ParseDeckID(s string) (DeckID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: deck id %q", ErrInvalidInput, s)
	}
	return DeckID(v), nil
}

// FormatType is the constructed format a game was played in.
type FormatType int

const (
	FormatUnknown  FormatType = 0
	FormatWild     FormatType = 1
	FormatStandard FormatType = 2
)

func (f FormatType) String() string {
	switch f {
	case FormatWild:
		return "wild"
	case FormatStandard:
		return "standard"
	default:
		return "?"
	}
}

// ParseFormat accepts the lower-case names produced by String.
func ParseFormat(s string) (FormatType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wild", "ft_wild":
		return FormatWild, nil
	case "standard", "ft_standard":
		return FormatStandard, nil
	}
	return FormatUnknown, fmt.Errorf("%w: unknown format %q", ErrInvalidInput, s)
}

// CardClass is the hero class a deck is built for.
type CardClass int

const (
	ClassInvalid     CardClass = 0
	ClassDeathKnight CardClass = 1
	ClassDruid       CardClass = 2
	ClassHunter      CardClass = 3
	ClassMage        CardClass = 4
	ClassPaladin     CardClass = 5
	ClassPriest      CardClass = 6
	ClassRogue       CardClass = 7
	ClassShaman      CardClass = 8
	ClassWarlock     CardClass = 9
	ClassWarrior     CardClass = 10
	ClassDemonHunter CardClass = 14
)

var classNames = map[CardClass]string{
	ClassDeathKnight: "DEATHKNIGHT",
	ClassDruid:       "DRUID",
	ClassHunter:      "HUNTER",
	ClassMage:        "MAGE",
	ClassPaladin:     "PALADIN",
	ClassPriest:      "PRIEST",
	ClassRogue:       "ROGUE",
	ClassShaman:      "SHAMAN",
	ClassWarlock:     "WARLOCK",
	ClassWarrior:     "WARRIOR",
	ClassDemonHunter: "DEMONHUNTER",
}

func (c CardClass) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return "INVALID"
}

// Playable reports whether decks can be built for the class.
func (c CardClass) Playable() bool {
	_, ok := classNames[c]
	return ok
}

// Classes returns all playable classes ordered by enum value.
func Classes() []CardClass {
	out := make([]CardClass, 0, len(classNames))
	for c := range classNames {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseClass accepts class names case-insensitively, with or without
// underscores ("demon_hunter", "DemonHunter").
func ParseClass(s string) (CardClass, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for c, n := range classNames {
		if n == norm {
			return c, nil
		}
	}
	return ClassInvalid, fmt.Errorf("%w: unknown card class %q", ErrInvalidInput, s)
}

// GameType mirrors the BnetGameType values the pipeline reports.
type GameType int

const (
	GameTypeUnknown        GameType = 0
	GameTypeFriendly       GameType = 1
	GameTypeRankedStandard GameType = 2
	GameTypeArena          GameType = 3
	GameTypeAdventure      GameType = 4
	GameTypeCasualWild     GameType = 5
	GameTypeRankedWild     GameType = 6
	GameTypeCasualStandard GameType = 7
	GameTypeBrawl          GameType = 8
)

var gameTypeNames = map[GameType]string{
	GameTypeFriendly:       "friendly",
	GameTypeRankedStandard: "ranked_standard",
	GameTypeArena:          "arena",
	GameTypeAdventure:      "adventure",
	GameTypeCasualWild:     "casual_wild",
	GameTypeRankedWild:     "ranked_wild",
	GameTypeCasualStandard: "casual_standard",
	GameTypeBrawl:          "brawl",
}

func (g GameType) String() string {
	if n, ok := gameTypeNames[g]; ok {
		return n
	}
	return "unknown"
}

// ParseGameType accepts the names produced by String.
func ParseGameType(s string) (GameType, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for g, n := range gameTypeNames {
		if n == norm {
			return g, nil
		}
	}
	return GameTypeUnknown, fmt.Errorf("%w: unknown game type %q", ErrInvalidInput, s)
}

// Ranked reports whether the game type counts towards ladder rank.
func (g GameType) Ranked() bool {
	return g == GameTypeRankedStandard || g == GameTypeRankedWild
}

// Format returns the constructed format implied by the game type.
func (g GameType) Format() FormatType {
	switch g {
	case GameTypeRankedStandard, GameTypeCasualStandard:
		return FormatStandard
	case GameTypeRankedWild, GameTypeCasualWild:
		return FormatWild
	default:
		return FormatUnknown
	}
}

// ---- Cards and decks ----

// CardMap counts copies of each card.
type CardMap map[CardID]int

// Total returns the number of cards, counting copies.
func (m CardMap) Total() int {
	n := 0
	for _, c := range m {
		n += c
	}
	return n
}

// Keys returns the card ids with a positive count, ascending.
func (m CardMap) Keys() []CardID {
	out := make([]CardID, 0, len(m))
	for id, c := range m {
		if c > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether m holds at least as many copies of every card as other.
func (m CardMap) Contains(other CardMap) bool {
	for id, c := range other {
		if c > m[id] {
			return false
		}
	}
	return true
}

// Validate rejects non-positive card ids and negative counts.
func (m CardMap) Validate() error {
	for id, c := range m {
		if id <= 0 {
			return fmt.Errorf("%w: card id %d", ErrInvalidInput, id)
		}
		if c < 0 {
			return fmt.Errorf("%w: negative count %d for card %d", ErrInvalidInput, c, id)
		}
	}
	return nil
}

// Encode renders the map as "id:count,id:count" ordered by card id.
func (m CardMap) Encode() string {
	var b strings.Builder
	for i, id := range m.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(id)))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(m[id]))
	}
	return b.String()
}

// DecodeCardMap parses the output of Encode.
func DecodeCardMap(s string) (CardMap, error) {
	out := make(CardMap)
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		idStr, countStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: card entry %q", ErrInvalidInput, part)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("%w: card id %q", ErrInvalidInput, idStr)
		}
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return nil, fmt.Errorf("%w: card count %q", ErrInvalidInput, countStr)
		}
		out[CardID(id)] += count
	}
	return out, out.Validate()
}

// CardMapFromList counts a flat list of card ids.
func CardMapFromList(cards []CardID) CardMap {
	out := make(CardMap, len(cards))
	for _, c := range cards {
		out[c]++
	}
	return out
}

// PlaySequence is the chronological list of cards a player played.
type PlaySequence []CardID

// Prefix returns at most the first n plays.
func (s PlaySequence) Prefix(n int) PlaySequence {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// CardMap counts the cards in the sequence.
func (s PlaySequence) CardMap() CardMap {
	return CardMapFromList(s)
}

// Deck is a registry entry.
type Deck struct {
	ID          DeckID
	Cards       CardMap
	ArchetypeID int64 // 0 when unclassified
}

// IsFull reports whether the deck holds exactly size cards.
func (d Deck) IsFull(size int) bool {
	return d.Cards.Total() == size
}

// ---- Input records produced by the replay pipeline ----

// PlayerRecord is what the pipeline extracted for one player of one game.
type PlayerRecord struct {
	Name        string
	PlayerClass CardClass
	IsAI        bool
	// KnownCards holds every card known to be in the deck (revealed, drawn,
	// played, or the full list when the deck string was available).
	KnownCards CardMap
	// Played is the chronological play order.
	Played PlaySequence
}

// GameRecord groups the player records of one processed game.
type GameRecord struct {
	ID       string
	GameType GameType
	Players  []PlayerRecord
}
