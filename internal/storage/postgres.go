package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"poly2api-go/internal/apikey"
	"poly2api-go/internal/credential"
	"poly2api-go/internal/migrations"
	"poly2api-go/internal/usage"
)

// Postgres is the relational backend. Migrations run on open; the sub-stores
// share one pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the pool, verifies connectivity, and applies migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	runner, err := migrations.NewRunner(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	err = runner.Apply()
	if cerr := runner.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("connected to postgres storage backend")
	return &Postgres{db: db}, nil
}

func (p *Postgres) Credentials() credential.Store { return &pgCredentials{db: p.db} }
func (p *Postgres) APIKeys() apikey.Store         { return &pgKeys{db: p.db} }
func (p *Postgres) Logs() usage.LogStore          { return &pgLogs{db: p.db} }
func (p *Postgres) Prices() usage.PriceStore      { return &pgPrices{db: p.db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }
