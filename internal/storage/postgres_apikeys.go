package storage

import (
	"context"
	"database/sql"
	"errors"

	"poly2api-go/internal/apikey"
)

type pgKeys struct {
	db *sql.DB
}

const apiKeyColumns = `id, key_hash, key_prefix, name, is_active, created_at, expires_at,
	daily_request_limit, monthly_request_limit, total_request_limit,
	daily_cost_limit, monthly_cost_limit, total_cost_limit,
	concurrency_limit, rpm_limit`

func scanAPIKey(row interface{ Scan(...any) error }) (*apikey.APIKey, error) {
	var (
		k         apikey.APIKey
		expiresAt sql.NullTime
	)
	err := row.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.IsActive, &k.CreatedAt,
		&expiresAt, &k.DailyRequestLimit, &k.MonthlyRequestLimit, &k.TotalRequestLimit,
		&k.DailyCostLimit, &k.MonthlyCostLimit, &k.TotalCostLimit,
		&k.ConcurrencyLimit, &k.RPMLimit)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		k.ExpiresAt = &t
	}
	return &k, nil
}

func (s *pgKeys) GetByHash(ctx context.Context, hash string) (*apikey.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apikey.ErrNotFound
	}
	return k, err
}

func (s *pgKeys) Create(ctx context.Context, key *apikey.APIKey) (int64, error) {
	var expiresAt any
	if key.ExpiresAt != nil {
		expiresAt = key.ExpiresAt.UTC()
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO api_keys (key_hash, key_prefix, name, is_active, expires_at,
		   daily_request_limit, monthly_request_limit, total_request_limit,
		   daily_cost_limit, monthly_cost_limit, total_cost_limit,
		   concurrency_limit, rpm_limit)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		key.KeyHash, key.KeyPrefix, key.Name, key.IsActive, expiresAt,
		key.DailyRequestLimit, key.MonthlyRequestLimit, key.TotalRequestLimit,
		key.DailyCostLimit, key.MonthlyCostLimit, key.TotalCostLimit,
		key.ConcurrencyLimit, key.RPMLimit).Scan(&id)
	return id, err
}

func (s *pgKeys) List(ctx context.Context) ([]*apikey.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*apikey.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *pgKeys) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apikey.ErrNotFound
	}
	return nil
}

func (s *pgKeys) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apikey.ErrNotFound
	}
	return nil
}
