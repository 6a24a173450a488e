package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

const ddlSQLite = `
CREATE TABLE IF NOT EXISTS readings (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id   INTEGER NOT NULL,
    ts          REAL,                      -- device clock, unix seconds; NULL is NaN
    received_at INTEGER NOT NULL           -- server clock, unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_readings_device ON readings (device_id, id);

CREATE TABLE IF NOT EXISTS reading_values (
    reading_id INTEGER NOT NULL REFERENCES readings (id),
    idx        INTEGER NOT NULL,           -- 1-based, matches value_N
    value      REAL,                       -- NULL is NaN
    PRIMARY KEY (reading_id, idx)
);
`

// SQLite stores readings in a WAL-mode SQLite database. SQLite has no NaN:
// binding one stores NULL, so value and ts are nullable and NULL reads back
// as NaN. Infinities are stored as such.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "readings.db"
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, ddlSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(ctx context.Context, r wire.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO readings (device_id, ts, received_at) VALUES (?, ?, ?)`,
		r.DeviceID, r.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: insert reading: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO reading_values (reading_id, idx, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()
	for i, v := range r.Values {
		if _, err := stmt.ExecContext(ctx, id, i+1, float64(v)); err != nil {
			return fmt.Errorf("sqlite: insert value: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
