package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"poly2api-go/internal/usage"
)

type pgLogs struct {
	db *sql.DB
}

func (s *pgLogs) Insert(ctx context.Context, row *usage.RequestLog) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO request_logs (api_key_id, credential_id, provider, model, client_ip,
		   stream, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		row.APIKeyID, row.CredentialID, row.Provider, row.Model, row.ClientIP,
		row.Stream, row.StartedAt.UTC()).Scan(&id)
	return id, err
}

func (s *pgLogs) Complete(ctx context.Context, id int64, upd *usage.Completion) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE request_logs SET completed_at = $2, status_code = $3,
		   input_tokens = $4, output_tokens = $5,
		   cache_read_tokens = $6, cache_write_tokens = $7,
		   cost = $8, error_message = $9
		 WHERE id = $1`,
		id, upd.CompletedAt.UTC(), upd.StatusCode,
		upd.InputTokens, upd.OutputTokens,
		upd.CacheReadTokens, upd.CacheWriteTokens,
		upd.Cost, upd.ErrorMessage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("request log row not found")
	}
	return nil
}

func (s *pgLogs) WindowStats(ctx context.Context, keyID int64, since time.Time) (usage.Stats, error) {
	var out usage.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cost), 0) FROM request_logs
		 WHERE api_key_id = $1 AND started_at >= $2`,
		keyID, since.UTC()).Scan(&out.Requests, &out.Cost)
	return out, err
}

func (s *pgLogs) TotalStats(ctx context.Context, keyID int64) (usage.Stats, error) {
	var out usage.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cost), 0) FROM request_logs WHERE api_key_id = $1`,
		keyID).Scan(&out.Requests, &out.Cost)
	return out, err
}

func (s *pgLogs) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE started_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pgPrices struct {
	db *sql.DB
}

func (s *pgPrices) GetPrice(ctx context.Context, model string) (*usage.Price, error) {
	var p usage.Price
	err := s.db.QueryRowContext(ctx,
		`SELECT input_per_m, output_per_m FROM model_prices WHERE model = $1`, model).
		Scan(&p.InputPerM, &p.OutputPerM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, usage.ErrNoPrice
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPrice upserts a per-model override.
func (s *pgPrices) SetPrice(ctx context.Context, model string, p usage.Price) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_prices (model, input_per_m, output_per_m)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (model) DO UPDATE
		   SET input_per_m = EXCLUDED.input_per_m,
		       output_per_m = EXCLUDED.output_per_m,
		       updated_at = now()`,
		model, p.InputPerM, p.OutputPerM)
	return err
}
