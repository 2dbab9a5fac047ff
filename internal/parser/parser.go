// Package parser reads extracted game records from JSON Lines files.
// Each non-blank line is one finished game.
package parser

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pable/hs-deck-predict/internal/model"
)

// maxLine bounds a single game record.
const maxLine = 4 << 20

// Batch is the parsed content of one games file.
type Batch struct {
	Hash    string // sha256 of the file, the ingest idempotency key
	Games   []model.GameRecord
	Skipped int // malformed lines
}

type playerLine struct {
	Name       string         `json:"name"`
	Class      string         `json:"class"`
	IsAI       bool           `json:"is_ai"`
	KnownCards map[string]int `json:"known_cards"`
	Played     []int32        `json:"played"`
}

type gameLine struct {
	ID       string       `json:"id"`
	GameType string       `json:"game_type"`
	Players  []playerLine `json:"players"`
}

// ParseGames parses the games file at path. Lines that cannot be decoded
// are counted in Skipped and logged; enum values the tool does not know
// are kept as Unknown/Invalid so eligibility can reject them later.
func ParseGames(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open games: %w", err)
	}
	defer f.Close()

	// Hash file for idempotency key.
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash games: %w", err)
	}
	// Seek back to start for the decoder.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek games: %w", err)
	}

	batch, err := Read(f)
	if err != nil {
		return nil, err
	}
	batch.Hash = fmt.Sprintf("%x", h.Sum(nil))
	return batch, nil
}

// Read decodes game records from r.
func Read(r io.Reader) (*Batch, error) {
	batch := &Batch{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		g, err := decodeGame(line)
		if err != nil {
			logrus.WithFields(logrus.Fields{"line": lineNo}).WithError(err).Warn("skipping game record")
			batch.Skipped++
			continue
		}
		if g.ID == "" {
			g.ID = fmt.Sprintf("line-%d", lineNo)
		}
		batch.Games = append(batch.Games, g)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read games: %w", err)
	}
	return batch, nil
}

func decodeGame(line string) (model.GameRecord, error) {
	var gl gameLine
	if err := json.Unmarshal([]byte(line), &gl); err != nil {
		return model.GameRecord{}, fmt.Errorf("decode game: %w", err)
	}
	gt, _ := model.ParseGameType(gl.GameType)
	g := model.GameRecord{ID: gl.ID, GameType: gt}
	for _, pl := range gl.Players {
		known := make(model.CardMap, len(pl.KnownCards))
		for k, n := range pl.KnownCards {
			id, err := strconv.ParseInt(k, 10, 32)
			if err != nil {
				return model.GameRecord{}, fmt.Errorf("card id %q: %w", k, err)
			}
			known[model.CardID(id)] = n
		}
		played := make(model.PlaySequence, len(pl.Played))
		for i, c := range pl.Played {
			played[i] = model.CardID(c)
		}
		class, _ := model.ParseClass(pl.Class)
		g.Players = append(g.Players, model.PlayerRecord{
			Name:        pl.Name,
			PlayerClass: class,
			IsAI:        pl.IsAI,
			KnownCards:  known,
			Played:      played,
		})
	}
	return g, nil
}

// Encode renders g as one JSON line, the inverse of Read.
func Encode(g model.GameRecord) ([]byte, error) {
	gl := gameLine{ID: g.ID, GameType: g.GameType.String()}
	for _, p := range g.Players {
		pl := playerLine{
			Name:       p.Name,
			Class:      p.PlayerClass.String(),
			IsAI:       p.IsAI,
			KnownCards: make(map[string]int, len(p.KnownCards)),
			Played:     make([]int32, len(p.Played)),
		}
		for id, n := range p.KnownCards {
			pl.KnownCards[strconv.Itoa(int(id))] = n
		}
		for i, c := range p.Played {
			pl.Played[i] = int32(c)
		}
		gl.Players = append(gl.Players, pl)
	}
	return json.Marshal(gl)
}
