package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"poly2api-go/internal/apikey"
	"poly2api-go/internal/credential"
	"poly2api-go/internal/usage"
)

// Memory is the in-process backend: full semantics, nothing survives a
// restart. It backs tests and single-node deployments without postgres.
type Memory struct {
	mu sync.RWMutex

	creds      map[int64]*credential.Credential
	quarantine map[int64]*credential.Credential
	nextCredID int64

	keys      map[int64]*apikey.APIKey
	nextKeyID int64

	logs      map[int64]*usage.RequestLog
	nextLogID int64

	prices map[string]usage.Price

	now func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		creds:      make(map[int64]*credential.Credential),
		quarantine: make(map[int64]*credential.Credential),
		nextCredID: 1,
		keys:       make(map[int64]*apikey.APIKey),
		nextKeyID:  1,
		logs:       make(map[int64]*usage.RequestLog),
		nextLogID:  1,
		prices:     make(map[string]usage.Price),
		now:        time.Now,
	}
}

func (m *Memory) Credentials() credential.Store { return (*memCredentials)(m) }
func (m *Memory) APIKeys() apikey.Store         { return (*memKeys)(m) }
func (m *Memory) Logs() usage.LogStore          { return (*memLogs)(m) }
func (m *Memory) Prices() usage.PriceStore      { return (*memPrices)(m) }

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// --- credential.Store ---

type memCredentials Memory

func (s *memCredentials) ListPool(_ context.Context, provider credential.Provider) ([]*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*credential.Credential
	for _, c := range s.creds {
		if c.Provider == provider && c.IsActive {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memCredentials) Get(_ context.Context, id int64) (*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memCredentials) Create(_ context.Context, cred *credential.Credential) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cred.Clone()
	cp.ID = s.nextCredID
	s.nextCredID++
	cp.UpdatedAt = s.now()
	s.creds[cp.ID] = cp
	return cp.ID, nil
}

func (s *memCredentials) mutate(id int64, fn func(*credential.Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		if c, ok = s.quarantine[id]; !ok {
			return credential.ErrNotFound
		}
	}
	fn(c)
	c.UpdatedAt = s.now()
	return nil
}

func (s *memCredentials) UpdateTokens(_ context.Context, id int64, upd *credential.TokenUpdate) error {
	return s.mutate(id, func(c *credential.Credential) {
		c.AccessToken = upd.AccessToken
		if upd.RefreshToken != "" {
			c.RefreshToken = upd.RefreshToken
		}
		c.ExpiresAt = upd.ExpiresAt
	})
}

func (s *memCredentials) SetProjectID(_ context.Context, id int64, projectID string) error {
	return s.mutate(id, func(c *credential.Credential) { c.ProjectID = projectID })
}

func (s *memCredentials) MarkUsed(_ context.Context, id int64) error {
	now := s.now()
	return s.mutate(id, func(c *credential.Credential) {
		c.UseCount++
		c.LastUsedAt = now
	})
}

func (s *memCredentials) RecordError(_ context.Context, id int64, msg string) error {
	return s.mutate(id, func(c *credential.Credential) {
		c.ErrorCount++
		c.LastError = msg
	})
}

func (s *memCredentials) UpdateQuota(_ context.Context, id int64, quota map[string]credential.ModelQuota) error {
	cp := make(map[string]credential.ModelQuota, len(quota))
	for k, v := range quota {
		cp[k] = v
	}
	return s.mutate(id, func(c *credential.Credential) { c.QuotaData = cp })
}

func (s *memCredentials) Quarantine(_ context.Context, id int64, errClass, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		if _, already := s.quarantine[id]; already {
			return nil
		}
		return credential.ErrNotFound
	}
	delete(s.creds, id)
	c.ErrorCount++
	c.LastError = errClass + ": " + msg
	c.UpdatedAt = s.now()
	s.quarantine[id] = c
	return nil
}

func (s *memCredentials) Restore(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.quarantine[id]
	if !ok {
		return credential.ErrNotFound
	}
	delete(s.quarantine, id)
	c.UpdatedAt = s.now()
	s.creds[id] = c
	return nil
}

func (s *memCredentials) ListQuarantined(_ context.Context) ([]*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*credential.Credential
	for _, c := range s.quarantine {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memCredentials) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; ok {
		delete(s.creds, id)
		return nil
	}
	if _, ok := s.quarantine[id]; ok {
		delete(s.quarantine, id)
		return nil
	}
	return credential.ErrNotFound
}

// --- apikey.Store ---

type memKeys Memory

func (s *memKeys) GetByHash(_ context.Context, hash string) (*apikey.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k.Clone(), nil
		}
	}
	return nil, apikey.ErrNotFound
}

func (s *memKeys) Create(_ context.Context, key *apikey.APIKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := key.Clone()
	cp.ID = s.nextKeyID
	s.nextKeyID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.keys[cp.ID] = cp
	return cp.ID, nil
}

func (s *memKeys) List(_ context.Context) ([]*apikey.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*apikey.APIKey
	for _, k := range s.keys {
		out = append(out, k.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memKeys) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return apikey.ErrNotFound
	}
	k.IsActive = active
	return nil
}

func (s *memKeys) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return apikey.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

// --- usage.LogStore ---

type memLogs Memory

func (s *memLogs) Insert(_ context.Context, row *usage.RequestLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	cp.ID = s.nextLogID
	s.nextLogID++
	s.logs[cp.ID] = &cp
	return cp.ID, nil
}

func (s *memLogs) Complete(_ context.Context, id int64, upd *usage.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.logs[id]
	if !ok {
		return credential.ErrNotFound
	}
	t := upd.CompletedAt
	row.CompletedAt = &t
	row.StatusCode = upd.StatusCode
	row.InputTokens = upd.InputTokens
	row.OutputTokens = upd.OutputTokens
	row.CacheReadTokens = upd.CacheReadTokens
	row.CacheWriteTokens = upd.CacheWriteTokens
	row.Cost = upd.Cost
	row.ErrorMessage = upd.ErrorMessage
	return nil
}

func (s *memLogs) WindowStats(_ context.Context, keyID int64, since time.Time) (usage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out usage.Stats
	for _, row := range s.logs {
		if row.APIKeyID == keyID && !row.StartedAt.Before(since) {
			out.Requests++
			out.Cost += row.Cost
		}
	}
	return out, nil
}

func (s *memLogs) TotalStats(ctx context.Context, keyID int64) (usage.Stats, error) {
	return s.WindowStats(ctx, keyID, time.Time{})
}

func (s *memLogs) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.logs {
		if row.StartedAt.Before(before) {
			delete(s.logs, id)
			n++
		}
	}
	return n, nil
}

// --- usage.PriceStore ---

type memPrices Memory

func (s *memPrices) GetPrice(_ context.Context, model string) (*usage.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[model]
	if !ok {
		return nil, usage.ErrNoPrice
	}
	return &p, nil
}

// SetPrice stores a per-model override.
func (m *Memory) SetPrice(model string, p usage.Price) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[model] = p
}
