package collector

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const insertSQL = `
	INSERT INTO analytics_events (message_id, write_key, type, user_id, anonymous_id, ts, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (message_id) DO NOTHING`

// PostgresSink stores events in Postgres. Duplicate message ids are ignored
// by the primary key, so client retries are safe.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects and fails fast if the database is unreachable.
func NewPostgresSink(ctx context.Context, url string) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// EnsureSchema creates the events table. Safe to run repeatedly.
func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping checks connectivity.
func (p *PostgresSink) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Write implements Sink. All records go out in one round trip.
func (p *PostgresSink) Write(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertSQL, r.MessageID, r.WriteKey, r.Type, r.UserID, r.AnonymousID, r.Timestamp, []byte(r.Payload))
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert event: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// Count returns the number of stored events of type t, or of all types when
// t is empty.
func (p *PostgresSink) Count(ctx context.Context, t string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM analytics_events WHERE $1 = '' OR type = $1`, t).Scan(&n)
	return n, err
}

// Close implements Sink.
func (p *PostgresSink) Close() {
	p.pool.Close()
}
