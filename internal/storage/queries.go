package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/pable/hs-deck-predict/internal/model"
)

// ---- deck registry ----

func digest(cards model.CardMap) string {
	sum := sha256.Sum256([]byte(cards.Encode()))
	return hex.EncodeToString(sum[:])
}

// GetOrCreateDeck returns the id of the deck with exactly these cards,
// registering it on first sight.
func (db *DB) GetOrCreateDeck(ctx context.Context, cards model.CardMap) (model.DeckID, error) {
	if err := cards.Validate(); err != nil {
		return 0, err
	}
	if cards.Total() == 0 {
		return 0, fmt.Errorf("%w: empty deck", model.ErrInvalidInput)
	}
	d := digest(cards)
	_, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO decks(digest, cards, size, archetype_id, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		d, cards.Encode(), cards.Total(), formatTime(db.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert deck: %w", err)
	}
	var id int64
	if err := db.conn.QueryRowContext(ctx, "SELECT id FROM decks WHERE digest = ?", d).Scan(&id); err != nil {
		return 0, fmt.Errorf("select deck id: %w", err)
	}
	return model.DeckID(id), nil
}

// DeckByID loads a registered deck. Unknown ids return ErrNotFound.
func (db *DB) DeckByID(ctx context.Context, id model.DeckID) (model.Deck, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT id, cards, archetype_id FROM decks WHERE id = ?", int64(id))
	d, err := scanDeck(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Deck{}, fmt.Errorf("deck %d: %w", id, ErrNotFound)
	}
	return d, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeck(s scanner) (model.Deck, error) {
	var (
		id        int64
		encoded   string
		archetype int64
	)
	if err := s.Scan(&id, &encoded, &archetype); err != nil {
		return model.Deck{}, err
	}
	cards, err := model.DecodeCardMap(encoded)
	if err != nil {
		return model.Deck{}, fmt.Errorf("decode deck %d: %w", id, err)
	}
	return model.Deck{ID: model.DeckID(id), Cards: cards, ArchetypeID: archetype}, nil
}

// SetArchetype assigns an archetype to a registered deck.
func (db *DB) SetArchetype(id model.DeckID, archetype int64) error {
	res, err := db.conn.Exec("UPDATE decks SET archetype_id = ? WHERE id = ?", archetype, int64(id))
	if err != nil {
		return fmt.Errorf("update archetype: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deck %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListDecks returns every registered deck ordered by id.
func (db *DB) ListDecks() ([]model.Deck, error) {
	rows, err := db.conn.Query("SELECT id, cards, archetype_id FROM decks ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Deck
	for rows.Next() {
		d, err := scanDeck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- ingest ledger ----

// IngestExists returns true if a file with the given content hash was already ingested.
func (db *DB) IngestExists(hash string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(1) FROM ingested_files WHERE hash = ?", hash).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkIngested records an ingested file. Uses INSERT OR REPLACE for idempotency.
func (db *DB) MarkIngested(hash, path string, games int) error {
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO ingested_files(hash, path, games, ingested_at)
		VALUES (?, ?, ?, ?)`,
		hash, path, games, formatTime(db.now()),
	)
	return err
}

// IngestedFile is one row of the ingest ledger.
type IngestedFile struct {
	Hash       string
	Path       string
	Games      int
	IngestedAt string
}

// ListIngested returns the ingest ledger, most recent first.
func (db *DB) ListIngested() ([]IngestedFile, error) {
	rows, err := db.conn.Query("SELECT hash, path, games, ingested_at FROM ingested_files ORDER BY ingested_at DESC, hash")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestedFile
	for rows.Next() {
		var f IngestedFile
		if err := rows.Scan(&f.Hash, &f.Path, &f.Games, &f.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---- ad hoc ----

// QueryRaw runs an arbitrary query and returns column names and stringified rows.
func (db *DB) QueryRaw(query string) ([]string, [][]string, error) {
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			switch x := v.(type) {
			case nil:
				row[i] = "NULL"
			case []byte:
				row[i] = string(x)
			default:
				row[i] = fmt.Sprint(x)
			}
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

// Overview is the high-level content of the database.
type Overview struct {
	Decks             int
	ArchetypedDecks   int
	IngestedFiles     int
	IngestedGames     int
	Measurements      int
	FirstMeasurement  string
	LatestMeasurement string
}

// GetDBOverview summarises what the database holds.
func (db *DB) GetDBOverview() (Overview, error) {
	var ov Overview
	err := db.conn.QueryRow(`
		SELECT COUNT(1), COALESCE(SUM(CASE WHEN archetype_id != 0 THEN 1 ELSE 0 END), 0)
		FROM decks`).Scan(&ov.Decks, &ov.ArchetypedDecks)
	if err != nil {
		return ov, fmt.Errorf("count decks: %w", err)
	}
	err = db.conn.QueryRow(`SELECT COUNT(1), COALESCE(SUM(games), 0) FROM ingested_files`).
		Scan(&ov.IngestedFiles, &ov.IngestedGames)
	if err != nil {
		return ov, fmt.Errorf("count ingested files: %w", err)
	}
	err = db.conn.QueryRow(`SELECT COUNT(1), COALESCE(MIN(ts), ''), COALESCE(MAX(ts), '') FROM measurements`).
		Scan(&ov.Measurements, &ov.FirstMeasurement, &ov.LatestMeasurement)
	if err != nil {
		return ov, fmt.Errorf("count measurements: %w", err)
	}
	return ov, nil
}
