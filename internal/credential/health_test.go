package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*HealthTracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewHealthTracker()
	tr.now = clock.now
	return tr, clock
}

func TestHealthInitialState(t *testing.T) {
	tr, _ := newTestTracker()
	v := tr.Snapshot(ProviderKiro, 1)
	require.Equal(t, 70, v.Score)
	require.Equal(t, bucketCap, v.Tokens)
	require.True(t, v.Healthy())
}

func TestHealthScoreTransitions(t *testing.T) {
	tr, _ := newTestTracker()
	tr.RecordSuccess(ProviderKiro, 1)
	require.Equal(t, 71, tr.Snapshot(ProviderKiro, 1).Score)

	tr.RecordFailure(ProviderKiro, 1, "auth")
	require.Equal(t, 51, tr.Snapshot(ProviderKiro, 1).Score)

	tr.RecordRateLimit(ProviderKiro, 1)
	require.Equal(t, 41, tr.Snapshot(ProviderKiro, 1).Score)
	require.False(t, tr.Snapshot(ProviderKiro, 1).Healthy())
}

func TestHealthScoreFloorAndCap(t *testing.T) {
	tr, _ := newTestTracker()
	for i := 0; i < 10; i++ {
		tr.RecordFailure(ProviderKiro, 1, "auth")
	}
	require.Equal(t, 0, tr.Snapshot(ProviderKiro, 1).Score)

	tr2, _ := newTestTracker()
	for i := 0; i < 50; i++ {
		tr2.RecordSuccess(ProviderKiro, 1)
	}
	require.Equal(t, 100, tr2.Snapshot(ProviderKiro, 1).Score)
}

func TestBucketConsumeAndRefill(t *testing.T) {
	tr, clock := newTestTracker()
	for i := 0; i < 50; i++ {
		require.True(t, tr.TryConsume(ProviderKiro, 1))
	}
	require.False(t, tr.TryConsume(ProviderKiro, 1))

	// 6 tokens per minute
	clock.advance(time.Minute)
	for i := 0; i < 6; i++ {
		require.True(t, tr.TryConsume(ProviderKiro, 1))
	}
	require.False(t, tr.TryConsume(ProviderKiro, 1))

	// never above cap
	clock.advance(24 * time.Hour)
	require.InDelta(t, bucketCap, tr.Snapshot(ProviderKiro, 1).Tokens, 0.001)
}

func TestRateLimitBackoffTiers(t *testing.T) {
	tr, clock := newTestTracker()

	tr.RecordRateLimit(ProviderKiro, 1)
	require.Equal(t, clock.t.Add(time.Minute), tr.Snapshot(ProviderKiro, 1).PausedUntil)

	clock.advance(30 * time.Second)
	tr.RecordRateLimit(ProviderKiro, 1)
	require.Equal(t, clock.t.Add(5*time.Minute), tr.Snapshot(ProviderKiro, 1).PausedUntil)

	clock.advance(30 * time.Second)
	tr.RecordRateLimit(ProviderKiro, 1)
	require.Equal(t, clock.t.Add(30*time.Minute), tr.Snapshot(ProviderKiro, 1).PausedUntil)

	clock.advance(30 * time.Second)
	tr.RecordRateLimit(ProviderKiro, 1)
	require.Equal(t, clock.t.Add(2*time.Hour), tr.Snapshot(ProviderKiro, 1).PausedUntil)

	// tier caps at the last entry
	clock.advance(30 * time.Second)
	tr.RecordRateLimit(ProviderKiro, 1)
	require.Equal(t, clock.t.Add(2*time.Hour), tr.Snapshot(ProviderKiro, 1).PausedUntil)
}

func TestRateLimitWindowResetsTier(t *testing.T) {
	tr, clock := newTestTracker()
	tr.RecordRateLimit(ProviderKiro, 1)
	tr.RecordRateLimit(ProviderKiro, 1)

	clock.advance(11 * time.Minute)
	tr.RecordRateLimit(ProviderKiro, 1)
	require.Equal(t, clock.t.Add(time.Minute), tr.Snapshot(ProviderKiro, 1).PausedUntil)
}

func TestSuccessClearsPause(t *testing.T) {
	tr, clock := newTestTracker()
	tr.RecordRateLimit(ProviderKiro, 1)
	require.True(t, tr.Snapshot(ProviderKiro, 1).Paused(clock.t))

	tr.RecordSuccess(ProviderKiro, 1)
	require.False(t, tr.Snapshot(ProviderKiro, 1).Paused(clock.t))
}

func TestLazyHourlyRecovery(t *testing.T) {
	tr, clock := newTestTracker()
	tr.RecordFailure(ProviderKiro, 1, "auth")
	tr.RecordFailure(ProviderKiro, 1, "auth")
	require.Equal(t, 30, tr.Snapshot(ProviderKiro, 1).Score)

	clock.advance(time.Hour)
	require.Equal(t, 40, tr.Snapshot(ProviderKiro, 1).Score)

	clock.advance(3 * time.Hour)
	require.Equal(t, 70, tr.Snapshot(ProviderKiro, 1).Score)
}
