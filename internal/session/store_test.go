package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	_, err := m.Get(ctx, "wss://gw.example/")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "wss://gw.example/", "abc"))
	id, err := m.Get(ctx, "wss://gw.example/")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	n, err := m.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Delete(ctx, "wss://gw.example/"))
	_, err = m.Get(ctx, "wss://gw.example/")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, "k", "v"))
	now = now.Add(59 * time.Second)
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	n, _ := m.Len(ctx)
	assert.Zero(t, n)
}

func TestMemoryStoreClosed(t *testing.T) {
	m := NewMemory(0)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Put(context.Background(), "k", "v"), ErrClosed)
	_, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisCacheSweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &Redis{cache: make(map[string]record), cacheTTL: 15 * time.Second}
	r.now = func() time.Time { return now }

	r.remember("a", "1")
	now = now.Add(10 * time.Second)
	r.remember("b", "2")
	assert.ElementsMatch(t, []string{"a", "b"}, keys(r.cache))

	now = now.Add(6 * time.Second)
	r.remember("c", "3")
	assert.ElementsMatch(t, []string{"b", "c"}, keys(r.cache))

	// "b" is stale now but the last sweep is too recent
	now = now.Add(10 * time.Second)
	r.remember("d", "4")
	assert.ElementsMatch(t, []string{"b", "c", "d"}, keys(r.cache))

	now = now.Add(5 * time.Second)
	r.remember("e", "5")
	assert.ElementsMatch(t, []string{"d", "e"}, keys(r.cache))
}

func keys(m map[string]record) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestNewPicksBackend(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = New(Config{RedisAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedis(Config{RedisAddr: addr, Prefix: "muxgate:test:" + time.Now().Format("150405.000") + ":"})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Put(ctx, "k", "sid-1"))
	v, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "sid-1", v)

	n, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.Delete(ctx, "k"))
	_, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
