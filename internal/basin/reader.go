package basin

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Reader is the raw-data read contract the store depends on. Implementations
// return dense day-indexed matrices over [start, end] inclusive with NaN for
// missing entries; the storage format behind them is their own business.
type Reader interface {
	// DynamicSeries returns one source group's columns for a basin.
	DynamicSeries(basinID, group string, cols []string, start, end time.Time) ([][]float64, error)
	// TargetSeries returns the target columns for a basin.
	TargetSeries(basinID string, cols []string, start, end time.Time) ([][]float64, error)
	// Attributes returns a basin's static attribute values by name.
	Attributes(basinID string) (map[string]float64, error)
	// AttributeNames lists every column in the shared attribute table.
	AttributeNames() ([]string, error)
}

const dayLayout = "2006-01-02"

// SQLiteReader reads basin series and attributes from a SQLite database with
// long-format tables:
//
//	timeseries(basin_id, source, name, day, value)
//	attributes(basin_id, name, value)
//
// Target series are stored under source = "target".
type SQLiteReader struct {
	db *sql.DB
}

func NewSQLiteReader(db *sql.DB) *SQLiteReader {
	return &SQLiteReader{db: db}
}

// Migrate creates the schema if it does not exist.
func (r *SQLiteReader) Migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS timeseries (
			basin_id TEXT NOT NULL,
			source   TEXT NOT NULL,
			name     TEXT NOT NULL,
			day      TEXT NOT NULL,
			value    REAL,
			PRIMARY KEY (basin_id, source, name, day)
		);
		CREATE TABLE IF NOT EXISTS attributes (
			basin_id TEXT NOT NULL,
			name     TEXT NOT NULL,
			value    REAL,
			PRIMARY KEY (basin_id, name)
		);
	`)
	return err
}

// InsertValue upserts one time-series observation.
func (r *SQLiteReader) InsertValue(basinID, source, name string, day time.Time, value float64) error {
	_, err := r.db.Exec(`
		INSERT INTO timeseries (basin_id, source, name, day, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(basin_id, source, name, day) DO UPDATE SET value = excluded.value
	`, basinID, source, name, day.UTC().Format(dayLayout), value)
	return err
}

// InsertAttribute upserts one static attribute value.
func (r *SQLiteReader) InsertAttribute(basinID, name string, value float64) error {
	_, err := r.db.Exec(`
		INSERT INTO attributes (basin_id, name, value)
		VALUES (?, ?, ?)
		ON CONFLICT(basin_id, name) DO UPDATE SET value = excluded.value
	`, basinID, name, value)
	return err
}

func (r *SQLiteReader) series(basinID, source string, cols []string, start, end time.Time) ([][]float64, error) {
	days := dayCount(start, end)
	out := nanMatrix(days, len(cols))
	colIdx := make(map[string]int, len(cols))
	for i, c := range cols {
		colIdx[c] = i
	}

	rows, err := r.db.Query(`
		SELECT name, day, value
		FROM timeseries
		WHERE basin_id = ? AND source = ? AND day >= ? AND day <= ?
	`, basinID, source, start.UTC().Format(dayLayout), end.UTC().Format(dayLayout))
	if err != nil {
		return nil, fmt.Errorf("query series %s/%s: %w", basinID, source, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, day string
		var value sql.NullFloat64
		if err := rows.Scan(&name, &day, &value); err != nil {
			return nil, err
		}
		j, ok := colIdx[name]
		if !ok {
			continue
		}
		t, err := time.Parse(dayLayout, day)
		if err != nil {
			return nil, fmt.Errorf("parse day %q: %w", day, err)
		}
		i := dayCount(start, t) - 1
		if i < 0 || i >= days {
			continue
		}
		if value.Valid {
			out[i][j] = value.Float64
		}
	}
	return out, rows.Err()
}

func (r *SQLiteReader) DynamicSeries(basinID, group string, cols []string, start, end time.Time) ([][]float64, error) {
	return r.series(basinID, group, cols, start, end)
}

func (r *SQLiteReader) TargetSeries(basinID string, cols []string, start, end time.Time) ([][]float64, error) {
	return r.series(basinID, "target", cols, start, end)
}

func (r *SQLiteReader) Attributes(basinID string) (map[string]float64, error) {
	rows, err := r.db.Query(`SELECT name, value FROM attributes WHERE basin_id = ?`, basinID)
	if err != nil {
		return nil, fmt.Errorf("query attributes %s: %w", basinID, err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var value sql.NullFloat64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		if value.Valid {
			out[name] = value.Float64
		} else {
			out[name] = math.NaN()
		}
	}
	return out, rows.Err()
}

func (r *SQLiteReader) AttributeNames() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT name FROM attributes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query attribute names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func dayCount(start, end time.Time) int {
	return int(end.Sub(start).Hours()/24) + 1
}

func nanMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		row := make([]float64, cols)
		for j := range row {
			row[j] = math.NaN()
		}
		m[i] = row
	}
	return m
}
