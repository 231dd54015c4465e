package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/cmd/internal/ids"
)

func TestPostgresQueueStore_UpsertAndLoad(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresQueueStore(pool, WithQueueSchema(schema))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx))

	b, err := store.Load(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.Nil(t, b)

	q := NewRetryQueue(store, "")
	op, err := q.Enqueue(ctx, "send_message", map[string]any{"content": "hi"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "mark_read", map[string]any{"message_id": "1"})
	require.NoError(t, err)

	restarted := NewRetryQueue(store, "")
	require.NoError(t, restarted.Load(ctx))
	got := restarted.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, op.ID, got[0].ID)

	require.NoError(t, restarted.Clear(ctx))
	ops, err := LoadQueue(ctx, store, "")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestWithQueueSchema_RejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	st := &PostgresQueueStore{}
	assert.Error(t, WithQueueSchema("")(st))
	assert.Error(t, WithQueueSchema("bad-schema;drop")(st))
	assert.NoError(t, WithQueueSchema("courier_it")(st))
	assert.Equal(t, "courier_it", st.schema)

	_, err := NewPostgresQueueStore(nil)
	assert.Error(t, err)
}

func TestRedisQueueStore_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("COURIER_TEST_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_TEST_REDIS_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := "courier_it:" + strings.ToLower(mustULID(t)) + ":"
	store, err := OpenRedisQueueStore(ctx, raw, prefix)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.client.Del(context.Background(), prefix+DefaultQueueKey).Err()
		_ = store.Close()
	})

	b, err := store.Load(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.Nil(t, b)

	q := NewRetryQueue(store, "")
	op, err := q.Enqueue(ctx, "send_message", map[string]any{"content": "hi"})
	require.NoError(t, err)

	ops, err := LoadQueue(ctx, store, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
}

func TestNewRedisQueueStore_BorrowedClientNotClosed(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	store, err := NewRedisQueueStore(client, "p:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewRedisQueueStore(nil, "")
	assert.Error(t, err)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("COURIER_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse COURIER_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "courier_it_" + strings.ToLower(mustULID(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustULID(t *testing.T) string {
	t.Helper()
	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return id
}
