package propstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	_ "modernc.org/sqlite"

	"parceltiles/internal/transform"
)

const schema = `
CREATE TABLE IF NOT EXISTS features (
	source     TEXT    NOT NULL,
	id         INTEGER NOT NULL,
	lon        REAL    NOT NULL,
	lat        REAL    NOT NULL,
	properties TEXT    NOT NULL,
	PRIMARY KEY (source, id)
)`

// Store is an SQLite properties database shared by all sources.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("propstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("propstore: init %s: %w", path, err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put replaces every record of source with the given features.
func (s *Store) Put(ctx context.Context, source string, features []*transform.Feature) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM features WHERE source = ?`, source); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO features (source, id, lon, lat, properties) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range features {
			props, err := json.Marshal(f.Properties)
			if err != nil {
				return fmt.Errorf("feature %d: %w", f.ID, err)
			}
			// ids use the full uint64 range; SQLite stores them bit-for-bit
			if _, err := stmt.ExecContext(ctx, source, int64(f.ID), f.Coord[0], f.Coord[1], string(props)); err != nil {
				return fmt.Errorf("feature %d: %w", f.ID, err)
			}
		}
		return nil
	})
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, source string, id uint64) (Record, error) {
	var (
		rec   = Record{ID: id}
		props string
	)
	row := s.db.QueryRowContext(ctx, `SELECT lon, lat, properties FROM features WHERE source = ? AND id = ?`, source, int64(id))
	if err := row.Scan(&rec.Coord[0], &rec.Coord[1], &props); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("propstore: get %s/%d: %w", source, id, err)
	}
	if err := json.Unmarshal([]byte(props), &rec.Properties); err != nil {
		return Record{}, fmt.Errorf("propstore: decode %s/%d: %w", source, id, err)
	}
	return rec, nil
}

// Count returns the number of records stored for source.
func (s *Store) Count(ctx context.Context, source string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM features WHERE source = ?`, source).Scan(&n)
	return n, err
}

// Within returns the records of source whose visual center lies in bound.
func (s *Store) Within(ctx context.Context, source string, bound orb.Bound) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lon, lat, properties FROM features
		 WHERE source = ? AND lon BETWEEN ? AND ? AND lat BETWEEN ? AND ?
		 ORDER BY id`,
		source, bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1])
	if err != nil {
		return nil, fmt.Errorf("propstore: query %s: %w", source, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id    int64
			rec   Record
			props string
		)
		if err := rows.Scan(&id, &rec.Coord[0], &rec.Coord[1], &props); err != nil {
			return nil, err
		}
		rec.ID = uint64(id)
		rec.Properties = geojson.Properties{}
		if err := json.Unmarshal([]byte(props), &rec.Properties); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("propstore: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("propstore: %v, rollback: %w", err, rbErr)
		}
		return fmt.Errorf("propstore: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("propstore: commit: %w", err)
	}
	return nil
}
