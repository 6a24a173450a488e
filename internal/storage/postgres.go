package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS readings (
    id          BIGSERIAL PRIMARY KEY,
    device_id   BIGINT           NOT NULL,
    ts          DOUBLE PRECISION NOT NULL,
    received_at TIMESTAMPTZ      NOT NULL DEFAULT now(),
    vals        REAL[]           NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_device ON readings (device_id, id);
`

// Postgres stores readings in PostgreSQL (or TimescaleDB).
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url, checks the connection and migrates the schema.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlPostgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Append(ctx context.Context, r wire.Reading) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO readings (device_id, ts, vals) VALUES ($1, $2, $3)`,
		int64(r.DeviceID), r.Timestamp, r.Values)
	if err != nil {
		return fmt.Errorf("postgres: insert: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
