package apikey

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "poly2api-go/internal/errors"
)

// Authenticator resolves raw bearer keys to api-key rows.
type Authenticator struct {
	store Store
	now   func() time.Time
}

// NewAuthenticator wires an authenticator over the key store.
func NewAuthenticator(store Store) *Authenticator {
	return &Authenticator{store: store, now: time.Now}
}

// Authenticate resolves and validates a raw key. The same neutral message
// covers unknown, inactive, and expired keys.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.New(apperrors.KindAuth, "missing API key")
	}
	key, err := a.store.GetByHash(ctx, HashKey(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.New(apperrors.KindAuth, "invalid API key")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "api key lookup", err)
	}
	if !key.IsActive {
		return nil, apperrors.New(apperrors.KindAuth, "invalid API key")
	}
	if key.Expired(a.now()) {
		return nil, apperrors.New(apperrors.KindAuth, "invalid API key")
	}
	return key, nil
}

// FromAuthHeader strips the Bearer prefix if present.
func FromAuthHeader(header string) string {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
