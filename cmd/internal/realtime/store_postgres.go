package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueueStore is a QueueStore backed by PostgreSQL. Each key is one
// row in <schema>.retry_queues holding the queue as jsonb.
//
// Ownership model:
// - PostgresQueueStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresQueueStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresQueueStore behavior.
type PostgresOption func(*PostgresQueueStore) error

// WithQueueSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithQueueSchema(schema string) PostgresOption {
	return func(s *PostgresQueueStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresQueueStore constructs a Postgres-backed QueueStore.
func NewPostgresQueueStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresQueueStore, error) {
	st := &PostgresQueueStore{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and table if they do not exist.
func (s *PostgresQueueStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+pgIdent(s.schema, "retry_queues")+` (
		     key        text PRIMARY KEY,
		     payload    jsonb NOT NULL DEFAULT '[]'::jsonb,
		     updated_at timestamptz NOT NULL DEFAULT now()
		   )`,
	); err != nil {
		return fmt.Errorf("create retry_queues: %w", err)
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresQueueStore) Close() error { return nil }

// Load implements QueueStore.
func (s *PostgresQueueStore) Load(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT payload::text FROM `+pgIdent(s.schema, "retry_queues")+` WHERE key = $1`,
		key,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

// Save implements QueueStore.
func (s *PostgresQueueStore) Save(ctx context.Context, key string, data []byte) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "retry_queues")+` (key, payload, updated_at)
		 VALUES ($1, $2::jsonb, now())
		 ON CONFLICT (key) DO UPDATE
		    SET payload = EXCLUDED.payload,
		        updated_at = now()`,
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert retry queue: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
