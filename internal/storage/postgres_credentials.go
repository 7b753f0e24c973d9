package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"poly2api-go/internal/credential"
)

type pgCredentials struct {
	db *sql.DB
}

const credentialColumns = `id, provider, access_token, refresh_token, expires_at, project_id,
	region, auth_method, client_id, client_secret, use_count, error_count,
	last_error, last_used_at, is_active, quota_data, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*credential.Credential, error) {
	var (
		c         credential.Credential
		expiresAt sql.NullTime
		quotaRaw  []byte
	)
	err := row.Scan(&c.ID, &c.Provider, &c.AccessToken, &c.RefreshToken, &expiresAt,
		&c.ProjectID, &c.Region, &c.AuthMethod, &c.ClientID, &c.ClientSecret,
		&c.UseCount, &c.ErrorCount, &c.LastError, &c.LastUsedAt, &c.IsActive,
		&quotaRaw, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		c.ExpiresAt = &t
	}
	if len(quotaRaw) > 0 {
		if err := json.Unmarshal(quotaRaw, &c.QuotaData); err != nil {
			return nil, fmt.Errorf("credential %d quota json: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (s *pgCredentials) ListPool(ctx context.Context, provider credential.Provider) ([]*credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE provider = $1 AND is_active AND NOT quarantined ORDER BY id`, string(provider))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*credential.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgCredentials) Get(ctx context.Context, id int64) (*credential.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1 AND NOT quarantined`, id)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	return c, err
}

func (s *pgCredentials) Create(ctx context.Context, cred *credential.Credential) (int64, error) {
	quotaRaw, err := json.Marshal(cred.QuotaData)
	if err != nil {
		return 0, fmt.Errorf("quota json: %w", err)
	}
	var expiresAt any
	if cred.ExpiresAt != nil {
		expiresAt = cred.ExpiresAt.UTC()
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO credentials (provider, access_token, refresh_token, expires_at, project_id,
		   region, auth_method, client_id, client_secret, is_active, quota_data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		string(cred.Provider), cred.AccessToken, cred.RefreshToken, expiresAt, cred.ProjectID,
		cred.Region, string(cred.AuthMethod), cred.ClientID, cred.ClientSecret,
		cred.IsActive, quotaRaw).Scan(&id)
	return id, err
}

func (s *pgCredentials) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

func (s *pgCredentials) UpdateTokens(ctx context.Context, id int64, upd *credential.TokenUpdate) error {
	var expiresAt any
	if upd.ExpiresAt != nil {
		expiresAt = upd.ExpiresAt.UTC()
	}
	return s.exec(ctx,
		`UPDATE credentials SET access_token = $2,
		   refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
		   expires_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, upd.AccessToken, upd.RefreshToken, expiresAt)
}

func (s *pgCredentials) SetProjectID(ctx context.Context, id int64, projectID string) error {
	return s.exec(ctx,
		`UPDATE credentials SET project_id = $2, updated_at = now() WHERE id = $1`, id, projectID)
}

func (s *pgCredentials) MarkUsed(ctx context.Context, id int64) error {
	return s.exec(ctx,
		`UPDATE credentials SET use_count = use_count + 1, last_used_at = now(), updated_at = now()
		 WHERE id = $1`, id)
}

func (s *pgCredentials) RecordError(ctx context.Context, id int64, msg string) error {
	return s.exec(ctx,
		`UPDATE credentials SET error_count = error_count + 1, last_error = $2, updated_at = now()
		 WHERE id = $1`, id, msg)
}

func (s *pgCredentials) UpdateQuota(ctx context.Context, id int64, quota map[string]credential.ModelQuota) error {
	raw, err := json.Marshal(quota)
	if err != nil {
		return fmt.Errorf("quota json: %w", err)
	}
	return s.exec(ctx,
		`UPDATE credentials SET quota_data = $2, updated_at = now() WHERE id = $1`, id, raw)
}

func (s *pgCredentials) Quarantine(ctx context.Context, id int64, errClass, msg string) error {
	return s.exec(ctx,
		`UPDATE credentials SET quarantined = TRUE, quarantine_class = $2, quarantine_msg = $3,
		   error_count = error_count + 1, last_error = $2 || ': ' || $3, updated_at = now()
		 WHERE id = $1`, id, errClass, msg)
}

func (s *pgCredentials) Restore(ctx context.Context, id int64) error {
	return s.exec(ctx,
		`UPDATE credentials SET quarantined = FALSE, quarantine_class = '', quarantine_msg = '',
		   updated_at = now()
		 WHERE id = $1 AND quarantined`, id)
}

func (s *pgCredentials) ListQuarantined(ctx context.Context) ([]*credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE quarantined ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*credential.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgCredentials) Delete(ctx context.Context, id int64) error {
	return s.exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
}
