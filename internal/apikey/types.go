package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown key hashes.
var ErrNotFound = errors.New("api key not found")

// APIKey is one downstream tenant key. The raw key is never stored; lookups
// go through the sha-256 hash. All instants are UTC.
type APIKey struct {
	ID        int64
	KeyHash   string
	KeyPrefix string // first characters of the raw key, for display only
	Name      string
	IsActive  bool
	CreatedAt time.Time
	ExpiresAt *time.Time

	// zero means unlimited
	DailyRequestLimit   int64
	MonthlyRequestLimit int64
	TotalRequestLimit   int64
	DailyCostLimit      float64
	MonthlyCostLimit    float64
	TotalCostLimit      float64
	ConcurrencyLimit    int
	RPMLimit            int
}

// Clone returns a copy safe to hand outside the store.
func (k *APIKey) Clone() *APIKey {
	if k == nil {
		return nil
	}
	out := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// Expired reports whether the key's expiry window has closed.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now.UTC())
}

// HashKey returns the hex sha-256 of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the display prefix of a raw key.
func Prefix(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:8]
}

// Store is the api-key persistence boundary.
type Store interface {
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	Create(ctx context.Context, key *APIKey) (int64, error)
	List(ctx context.Context) ([]*APIKey, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
}
