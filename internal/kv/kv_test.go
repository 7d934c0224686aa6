package kv

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the shared contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	ns := ulid.Make().String() + ":"

	_, err := s.Get(ctx, ns+"missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, ns+"a", []byte("1"), time.Minute))
	v, err := s.Get(ctx, ns+"a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	ok, err := s.SetNX(ctx, ns+"lock", []byte("owner-1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetNX(ctx, ns+"lock", []byte("owner-2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, ns+"lock", []byte("owner-2"))
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may release")
	ok, err = s.CompareAndDelete(ctx, ns+"lock", []byte("owner-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.IncrBy(ctx, ns+"ctr", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = s.IncrBy(ctx, ns+"ctr", -1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.GetInt(ctx, ns+"ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.GetInt(ctx, ns+"absent")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Delete(ctx, ns+"a"))
	_, err = s.Get(ctx, ns+"a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Contract(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()
	exerciseStore(t, m)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	defer m.Close()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Second))
	_, err := m.IncrBy(ctx, "c", 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	now = now.Add(2 * time.Second)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := m.IncrBy(ctx, "c", 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "an expired counter restarts")
}

func TestMemory_ConcurrentIncr(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.IncrBy(ctx, "c", 1, time.Minute)
		}()
	}
	wg.Wait()
	n, err := m.GetInt(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestWithPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	defer m.Close()

	p := WithPrefix(m, "runcore")
	require.NoError(t, p.Set(ctx, "x", []byte("y"), 0))
	v, err := m.Get(ctx, "runcore:x")
	require.NoError(t, err)
	assert.Equal(t, "y", string(v))
}

func TestRedis_Contract(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skipf("REDIS_URL not set; skipping redis tests")
	}
	r, err := NewRedis(context.Background(), url)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer r.Close()
	exerciseStore(t, WithPrefix(r, "runcore-test"))
}
