package storage

import (
	"context"
	"fmt"

	"poly2api-go/internal/apikey"
	"poly2api-go/internal/config"
	"poly2api-go/internal/credential"
	"poly2api-go/internal/usage"
)

// Backend bundles the persistence boundaries behind one lifecycle. The
// sub-stores share a connection pool in the postgres implementation and a
// mutex-guarded map set in the memory one.
type Backend interface {
	Credentials() credential.Store
	APIKeys() apikey.Store
	Logs() usage.LogStore
	Prices() usage.PriceStore

	Ping(ctx context.Context) error
	Close() error
}

// Open selects the backend from configuration.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg.Storage.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
