// Package storage persists readings in arrival order. Stores are append-only.
package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// Store is the durable consumer of the reading sink.
// Append is called from a single goroutine.
type Store interface {
	Append(ctx context.Context, r wire.Reading) error
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Type string `yaml:"type" json:"type"` // "csv", "sqlite" or "postgres"

	// csv
	Dir     string `yaml:"dir" json:"dir"`
	File    string `yaml:"file" json:"file"`        // single append-only file when MaxRows == 0
	MaxRows int    `yaml:"max_rows" json:"maxRows"` // rotate into timestamped files after this many rows

	// sqlite: file path; postgres: connection URL
	DSN string `yaml:"dsn" json:"-"`
}

// Open returns the store named by cfg.Type.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "csv":
		return NewCSV(cfg), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Header returns the column names for a reading with n values.
func Header(n int) []string {
	h := make([]string, 0, n+2)
	h = append(h, "device_id", "timestamp")
	for i := 1; i <= n; i++ {
		h = append(h, "value_"+strconv.Itoa(i))
	}
	return h
}

// Row renders r as text columns matching Header(len(r.Values)).
func Row(r wire.Reading) []string {
	row := make([]string, 0, len(r.Values)+2)
	row = append(row,
		strconv.FormatUint(uint64(r.DeviceID), 10),
		strconv.FormatFloat(r.Timestamp, 'f', -1, 64),
	)
	for _, v := range r.Values {
		row = append(row, strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	return row
}
