package credential

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups for unknown credential ids.
var ErrNotFound = errors.New("credential not found")

// Store is the persistence boundary for credentials. Active rows live in the
// pool; quarantined rows live in a parallel error table. A credential is in
// exactly one of the two at any time.
type Store interface {
	// ListPool returns clones of the active credentials for a provider.
	ListPool(ctx context.Context, provider Provider) ([]*Credential, error)
	// Get returns a clone of one active credential.
	Get(ctx context.Context, id int64) (*Credential, error)
	// Create inserts a credential into the pool and assigns its id.
	Create(ctx context.Context, cred *Credential) (int64, error)

	// UpdateTokens persists a refresh result. An empty refreshToken keeps
	// the stored one.
	UpdateTokens(ctx context.Context, id int64, upd *TokenUpdate) error
	// SetProjectID persists the discovery handshake result.
	SetProjectID(ctx context.Context, id int64, projectID string) error
	// MarkUsed bumps useCount and lastUsedAt.
	MarkUsed(ctx context.Context, id int64) error
	// RecordError bumps errorCount and stores the message.
	RecordError(ctx context.Context, id int64, msg string) error
	// UpdateQuota replaces the stored quota snapshot.
	UpdateQuota(ctx context.Context, id int64, quota map[string]ModelQuota) error

	// Quarantine moves a credential from the pool to the error table.
	Quarantine(ctx context.Context, id int64, errClass, msg string) error
	// Restore moves a credential from the error table back to the pool.
	Restore(ctx context.Context, id int64) error
	// ListQuarantined returns clones of the error-table rows.
	ListQuarantined(ctx context.Context) ([]*Credential, error)

	// Delete removes the credential from whichever table holds it.
	Delete(ctx context.Context, id int64) error
}
