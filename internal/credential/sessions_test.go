package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionsTTL(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemorySessions(30 * time.Minute)
	s.now = clock.now

	s.Put(context.Background(), "s1", 7)
	id, ok := s.Get(context.Background(), "s1")
	require.True(t, ok)
	require.Equal(t, int64(7), id)

	// reads extend the TTL
	clock.advance(20 * time.Minute)
	_, ok = s.Get(context.Background(), "s1")
	require.True(t, ok)
	clock.advance(20 * time.Minute)
	_, ok = s.Get(context.Background(), "s1")
	require.True(t, ok)

	clock.advance(31 * time.Minute)
	_, ok = s.Get(context.Background(), "s1")
	require.False(t, ok)
}

func TestMemorySessionsSweep(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemorySessions(time.Minute)
	s.now = clock.now

	s.Put(context.Background(), "a", 1)
	s.Put(context.Background(), "b", 2)
	clock.advance(2 * time.Minute)
	s.Sweep()
	require.Empty(t, s.data)
}

func TestRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSessions(client, 30*time.Minute)
	ctx := context.Background()

	s.Put(ctx, "s1", 42)
	id, ok := s.Get(ctx, "s1")
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	mr.FastForward(31 * time.Minute)
	_, ok = s.Get(ctx, "s1")
	require.False(t, ok)

	s.Put(ctx, "s2", 9)
	s.Delete(ctx, "s2")
	_, ok = s.Get(ctx, "s2")
	require.False(t, ok)
}
