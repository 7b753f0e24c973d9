package apikey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "poly2api-go/internal/errors"
)

type mapStore struct {
	byHash map[string]*APIKey
}

func (s *mapStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	k, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return k.Clone(), nil
}
func (s *mapStore) Create(_ context.Context, k *APIKey) (int64, error) { return k.ID, nil }
func (s *mapStore) List(_ context.Context) ([]*APIKey, error)          { return nil, nil }
func (s *mapStore) SetActive(_ context.Context, id int64, active bool) error {
	return nil
}
func (s *mapStore) Delete(_ context.Context, id int64) error { return nil }

func storeWith(keys ...*APIKey) *mapStore {
	s := &mapStore{byHash: make(map[string]*APIKey)}
	for _, k := range keys {
		s.byHash[k.KeyHash] = k
	}
	return s
}

func TestAuthenticateValidKey(t *testing.T) {
	raw := "pk-live-0123456789"
	s := storeWith(&APIKey{ID: 1, KeyHash: HashKey(raw), KeyPrefix: Prefix(raw), IsActive: true})
	a := NewAuthenticator(s)

	key, err := a.Authenticate(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, int64(1), key.ID)
	require.Equal(t, "pk-live-", key.KeyPrefix)
}

func TestAuthenticateRejections(t *testing.T) {
	raw := "pk-live-0123456789"
	expired := time.Now().UTC().Add(-time.Hour)
	cases := map[string]*APIKey{
		"inactive": {ID: 1, KeyHash: HashKey(raw), IsActive: false},
		"expired":  {ID: 1, KeyHash: HashKey(raw), IsActive: true, ExpiresAt: &expired},
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			a := NewAuthenticator(storeWith(key))
			_, err := a.Authenticate(context.Background(), raw)
			require.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
		})
	}

	a := NewAuthenticator(storeWith())
	_, err := a.Authenticate(context.Background(), "unknown")
	require.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
	_, err = a.Authenticate(context.Background(), "")
	require.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
}

func TestAuthenticateExpiryBoundaryUTC(t *testing.T) {
	raw := "pk-live-0123456789"
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := at // expires exactly now
	a := NewAuthenticator(storeWith(&APIKey{ID: 1, KeyHash: HashKey(raw), IsActive: true, ExpiresAt: &exp}))
	a.now = func() time.Time { return at }
	_, err := a.Authenticate(context.Background(), raw)
	require.Error(t, err)
}

func TestFromAuthHeader(t *testing.T) {
	require.Equal(t, "abc", FromAuthHeader("Bearer abc"))
	require.Equal(t, "abc", FromAuthHeader("bearer abc"))
	require.Equal(t, "abc", FromAuthHeader("abc"))
}
