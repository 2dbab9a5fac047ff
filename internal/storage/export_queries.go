package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Measurement is one stored diagnostics record.
type Measurement struct {
	ID     int64              `json:"id"`
	Name   string             `json:"name"`
	Time   time.Time          `json:"time"`
	Tags   map[string]string  `json:"tags"`
	Fields map[string]float64 `json:"fields"`
}

// InsertMeasurement stores m. A zero Time is stamped with the current time.
func (db *DB) InsertMeasurement(m Measurement) error {
	if m.Time.IsZero() {
		m.Time = db.now()
	}
	tags, err := json.Marshal(nonNilTags(m.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	fields, err := json.Marshal(nonNilFields(m.Fields))
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = db.conn.Exec("INSERT INTO measurements(name, ts, tags, fields) VALUES (?, ?, ?, ?)",
		m.Name, formatTime(m.Time), string(tags), string(fields))
	if err != nil {
		return fmt.Errorf("insert measurement %s: %w", m.Name, err)
	}
	return nil
}

func nonNilTags(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilFields(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// MeasurementFilter narrows ListMeasurements. Zero values match everything.
type MeasurementFilter struct {
	Names []string
	Since time.Time
	Limit int
}

// ListMeasurements returns matching measurements oldest first.
func (db *DB) ListMeasurements(f MeasurementFilter) ([]Measurement, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Names) > 0 {
		where = append(where, "name IN ("+placeholders(len(f.Names))+")")
		for _, n := range f.Names {
			args = append(args, n)
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, formatTime(f.Since))
	}
	q := "SELECT id, name, ts, tags, fields FROM measurements"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var (
			m            Measurement
			ts           string
			tags, fields string
		)
		if err := rows.Scan(&m.ID, &m.Name, &ts, &tags, &fields); err != nil {
			return nil, err
		}
		m.Time = parseTime(ts)
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of measurement %d: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(fields), &m.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of measurement %d: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// NameCount is a measurement name with how often it was recorded.
type NameCount struct {
	Name  string
	Count int
}

// MeasurementCounts returns the number of measurements per name.
func (db *DB) MeasurementCounts() ([]NameCount, error) {
	rows, err := db.conn.Query("SELECT name, COUNT(1) FROM measurements GROUP BY name ORDER BY COUNT(1) DESC, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NameCount
	for rows.Next() {
		var c NameCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SkipReasons returns how often players were skipped, per reason.
func (db *DB) SkipReasons() ([]NameCount, error) {
	rows, err := db.conn.Query(`
		SELECT COALESCE(json_extract(tags, '$.reason'), ''), COUNT(1)
		FROM measurements WHERE name = 'skipped'
		GROUP BY 1 ORDER BY 2 DESC, 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NameCount
	for rows.Next() {
		var c NameCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConsensusStats aggregates the partial-deck predictions of one format and class.
type ConsensusStats struct {
	Format         string
	Class          string
	Predictions    int
	TreeFound      int
	ILTFound       int
	AgreeDeck      int
	AgreeArchetype int
	AvgFuzzy       float64
	AvgDurationMs  float64
}

// ConsensusByClass breaks consensus measurements down per format and class.
func (db *DB) ConsensusByClass() ([]ConsensusStats, error) {
	rows, err := db.conn.Query(`
		SELECT
			COALESCE(json_extract(tags, '$.format'), ''),
			COALESCE(json_extract(tags, '$.class'), ''),
			COUNT(1),
			COALESCE(SUM(json_extract(fields, '$.tree_found')), 0),
			COALESCE(SUM(json_extract(fields, '$.ilt_found')), 0),
			COALESCE(SUM(json_extract(fields, '$.agree_deck')), 0),
			COALESCE(SUM(json_extract(fields, '$.agree_archetype')), 0),
			COALESCE(AVG(json_extract(fields, '$.fuzzy_dropped')), 0),
			COALESCE(AVG(json_extract(fields, '$.duration_ms')), 0)
		FROM measurements WHERE name = 'consensus'
		GROUP BY 1, 2 ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConsensusStats
	for rows.Next() {
		var (
			s                     ConsensusStats
			tree, ilt, deck, arch float64
		)
		if err := rows.Scan(&s.Format, &s.Class, &s.Predictions, &tree, &ilt, &deck, &arch, &s.AvgFuzzy, &s.AvgDurationMs); err != nil {
			return nil, err
		}
		s.TreeFound, s.ILTFound, s.AgreeDeck, s.AgreeArchetype = int(tree), int(ilt), int(deck), int(arch)
		out = append(out, s)
	}
	return out, rows.Err()
}

// CrossValidationAccuracy returns how many validatable full decks the tree
// predicted correctly from their held-out prefix.
func (db *DB) CrossValidationAccuracy() (matched, total int, err error) {
	var m float64
	err = db.conn.QueryRow(`
		SELECT COUNT(1), COALESCE(SUM(json_extract(fields, '$.match')), 0)
		FROM measurements WHERE name = 'cross_validation'`).Scan(&total, &m)
	return int(m), total, err
}

// placeholders returns a comma-separated string of n "?" for SQL IN clauses,
// e.g. placeholders(3) → "?,?,?".
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
