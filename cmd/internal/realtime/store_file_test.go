package realtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileQueueStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileQueueStore(dir)
	require.NoError(t, err)

	b, err := s.Load(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, s.Save(ctx, DefaultQueueKey, []byte(`[1]`)))
	require.NoError(t, s.Save(ctx, DefaultQueueKey, []byte(`[1,2]`)))

	b, err = s.Load(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, DefaultQueueKey+".json", entries[0].Name())
}

func TestFileQueueStore_RejectsPathKeys(t *testing.T) {
	t.Parallel()

	s, err := NewFileQueueStore(t.TempDir())
	require.NoError(t, err)

	err = s.Save(context.Background(), filepath.Join("..", "escape"), []byte(`[]`))
	assert.Error(t, err)
}

func TestFileQueueStore_BacksRetryQueueAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewFileQueueStore(dir)
	require.NoError(t, err)
	q1 := NewRetryQueue(s1, "")
	op, err := q1.Enqueue(ctx, "send_message", map[string]any{"content": "hi"})
	require.NoError(t, err)

	s2, err := NewFileQueueStore(dir)
	require.NoError(t, err)
	ops, err := LoadQueue(ctx, s2, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
}
