// Package outbox stores events in the same transaction as the aggregate
// change that produced them and relays them to the bus after commit.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

// Schema creates the outbox table. Every service owns one.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		id BIGSERIAL PRIMARY KEY,
		message_id VARCHAR(64) NOT NULL UNIQUE,
		correlation_id VARCHAR(64) NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		exchange VARCHAR(100) NOT NULL,
		routing_key VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox(id) WHERE published_at IS NULL`,
}

// Store hands out unpublished envelopes in insertion order. publish is
// called for each one; the batch stops at the first failure and only the
// envelopes published before it are marked.
type Store interface {
	Drain(ctx context.Context, limit int, publish func(events.Envelope) error) (int, error)
}

// Insert writes envs to the outbox inside tx.
func Insert(ctx context.Context, tx *sql.Tx, envs ...events.Envelope) error {
	const query = `
		INSERT INTO outbox (message_id, correlation_id, event_type, exchange, routing_key, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, env := range envs {
		_, err := tx.ExecContext(ctx, query,
			env.MessageID, env.CorrelationID, env.Type, env.Exchange, env.RoutingKey,
			string(env.Payload), env.OccurredAt)
		if err != nil {
			return fmt.Errorf("failed to insert %s into outbox: %w", env.Type, err)
		}
	}
	return nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Drain locks a batch with SKIP LOCKED so several relay instances can run
// against the same table without publishing a row twice concurrently.
func (s *PostgresStore) Drain(ctx context.Context, limit int, publish func(events.Envelope) error) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, message_id, correlation_id, event_type, exchange, routing_key, payload, occurred_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}

	var (
		ids  []int64
		envs []events.Envelope
	)
	for rows.Next() {
		var (
			id      int64
			env     events.Envelope
			payload []byte
		)
		if err := rows.Scan(&id, &env.MessageID, &env.CorrelationID, &env.Type,
			&env.Exchange, &env.RoutingKey, &payload, &env.OccurredAt); err != nil {
			rows.Close()
			return 0, err
		}
		env.Payload = payload
		ids = append(ids, id)
		envs = append(envs, env)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	published := 0
	var publishErr error
	for _, env := range envs {
		if publishErr = publish(env); publishErr != nil {
			break
		}
		published++
	}

	if published > 0 {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET published_at = $1 WHERE id = ANY($2)`,
			time.Now().UTC(), pq.Array(ids[:published]))
		if err != nil {
			return 0, fmt.Errorf("failed to mark outbox rows published: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return published, publishErr
}
