package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"poly2api-go/internal/apikey"
	"poly2api-go/internal/credential"
	"poly2api-go/internal/usage"
)

func TestPostgres_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "itdb",
				"POSTGRES_USER":     "ituser",
				"POSTGRES_PASSWORD": "itpass",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://ituser:itpass@%s:%s/itdb?sslmode=disable", host, port.Port())
	backend, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = backend.Close()
	})

	t.Run("credential lifecycle", func(t *testing.T) {
		store := backend.Credentials()
		exp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
		id, err := store.Create(ctx, &credential.Credential{
			Provider:     credential.ProviderKiro,
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiresAt:    &exp,
			Region:       "us-east-1",
			AuthMethod:   credential.AuthSocial,
			IsActive:     true,
		})
		require.NoError(t, err)

		pool, err := store.ListPool(ctx, credential.ProviderKiro)
		require.NoError(t, err)
		require.Len(t, pool, 1)
		require.Equal(t, "at", pool[0].AccessToken)
		require.WithinDuration(t, exp, *pool[0].ExpiresAt, time.Second)

		require.NoError(t, store.MarkUsed(ctx, id))
		require.NoError(t, store.RecordError(ctx, id, "transient"))
		c, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.EqualValues(t, 1, c.UseCount)
		require.Equal(t, 1, c.ErrorCount)

		require.NoError(t, store.UpdateQuota(ctx, id, map[string]credential.ModelQuota{
			"claude-sonnet-4-5": {RemainingFraction: 0.5, ResetTime: exp},
		}))
		c, err = store.Get(ctx, id)
		require.NoError(t, err)
		require.InDelta(t, 0.5, c.QuotaData["claude-sonnet-4-5"].RemainingFraction, 1e-9)

		require.NoError(t, store.Quarantine(ctx, id, "auth", "refresh refused"))
		pool, err = store.ListPool(ctx, credential.ProviderKiro)
		require.NoError(t, err)
		require.Empty(t, pool)
		quarantined, err := store.ListQuarantined(ctx)
		require.NoError(t, err)
		require.Len(t, quarantined, 1)

		require.NoError(t, store.Restore(ctx, id))
		pool, err = store.ListPool(ctx, credential.ProviderKiro)
		require.NoError(t, err)
		require.Len(t, pool, 1)

		// empty refresh token keeps the stored one
		require.NoError(t, store.UpdateTokens(ctx, id, &credential.TokenUpdate{AccessToken: "at2"}))
		c, err = store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "at2", c.AccessToken)
		require.Equal(t, "rt", c.RefreshToken)
		require.Nil(t, c.ExpiresAt)

		require.NoError(t, store.Delete(ctx, id))
		_, err = store.Get(ctx, id)
		require.ErrorIs(t, err, credential.ErrNotFound)
	})

	t.Run("api keys", func(t *testing.T) {
		store := backend.APIKeys()
		id, err := store.Create(ctx, &apikey.APIKey{
			KeyHash:   apikey.HashKey("pk-int"),
			KeyPrefix: "pk-int",
			IsActive:  true,
			RPMLimit:  60,
		})
		require.NoError(t, err)

		k, err := store.GetByHash(ctx, apikey.HashKey("pk-int"))
		require.NoError(t, err)
		require.Equal(t, id, k.ID)
		require.Equal(t, 60, k.RPMLimit)

		require.NoError(t, store.SetActive(ctx, id, false))
		k, err = store.GetByHash(ctx, apikey.HashKey("pk-int"))
		require.NoError(t, err)
		require.False(t, k.IsActive)
	})

	t.Run("request logs and stats", func(t *testing.T) {
		logs := backend.Logs()
		start := time.Now().UTC().Truncate(time.Millisecond)
		id, err := logs.Insert(ctx, &usage.RequestLog{
			APIKeyID: 42, Provider: "kiro", Model: "claude-sonnet-4-5", StartedAt: start,
		})
		require.NoError(t, err)

		require.NoError(t, logs.Complete(ctx, id, &usage.Completion{
			CompletedAt: start.Add(time.Second), StatusCode: 200,
			InputTokens: 10, OutputTokens: 5, Cost: 0.002,
		}))

		stats, err := logs.WindowStats(ctx, 42, start.Add(-time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 1, stats.Requests)
		require.InDelta(t, 0.002, stats.Cost, 1e-9)

		total, err := logs.TotalStats(ctx, 42)
		require.NoError(t, err)
		require.EqualValues(t, 1, total.Requests)

		n, err := logs.Purge(ctx, start.Add(time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})

	t.Run("price overrides", func(t *testing.T) {
		prices := backend.Prices().(*pgPrices)
		_, err := prices.GetPrice(ctx, "model-x")
		require.ErrorIs(t, err, usage.ErrNoPrice)

		require.NoError(t, prices.SetPrice(ctx, "model-x", usage.Price{InputPerM: 1, OutputPerM: 2}))
		require.NoError(t, prices.SetPrice(ctx, "model-x", usage.Price{InputPerM: 3, OutputPerM: 4}))
		p, err := prices.GetPrice(ctx, "model-x")
		require.NoError(t, err)
		require.Equal(t, usage.Price{InputPerM: 3, OutputPerM: 4}, *p)
	})
}
