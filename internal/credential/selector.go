package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Strategy names accepted by the selector.
const (
	StrategyHybrid     = "hybrid"
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
)

// Weights are the hybrid score coefficients.
type Weights struct {
	Health float64
	Bucket float64
	Quota  float64
	LRU    float64
}

// DefaultWeights favors admission headroom over raw health.
func DefaultWeights() Weights {
	return Weights{Health: 2, Bucket: 5, Quota: 3, LRU: 0.1}
}

// SelectOptions narrow one selection call.
type SelectOptions struct {
	SessionID string
	Model     string
	// Exclude lists credential ids already attempted in this request.
	Exclude map[int64]bool
}

// Selector picks one credential from the live pool. It never returns nil for
// a non-empty candidate set: when filters empty the set it falls back to the
// wider one so the caller can make a best-effort attempt.
type Selector struct {
	Strategy string
	Weights  Weights
	Health   *HealthTracker
	Quota    *QuotaTracker
	Sessions SessionStore

	mu      sync.Mutex
	rrIndex map[Provider]int
	now     func() time.Time
}

// NewSelector wires a selector over the shared trackers.
func NewSelector(strategy string, weights Weights, health *HealthTracker, quota *QuotaTracker, sessions SessionStore) *Selector {
	return &Selector{
		Strategy: strategy,
		Weights:  weights,
		Health:   health,
		Quota:    quota,
		Sessions: sessions,
		rrIndex:  make(map[Provider]int),
		now:      time.Now,
	}
}

// Select picks a credential for this attempt, consuming one admission token
// from its bucket.
func (s *Selector) Select(ctx context.Context, provider Provider, candidates []*Credential, opts SelectOptions) *Credential {
	if len(candidates) == 0 {
		return nil
	}

	if s.Strategy == StrategySticky && opts.SessionID != "" && s.Sessions != nil {
		if id, ok := s.Sessions.Get(ctx, opts.SessionID); ok && !opts.Exclude[id] {
			for _, c := range candidates {
				if c.ID == id && s.eligible(c, opts.Model) && s.Health.TryConsume(provider, id) {
					return c
				}
			}
		}
	}

	pool := candidates
	if len(opts.Exclude) > 0 {
		filtered := make([]*Credential, 0, len(pool))
		for _, c := range pool {
			if !opts.Exclude[c.ID] {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			pool = filtered
		}
	}

	eligible := make([]*Credential, 0, len(pool))
	for _, c := range pool {
		if s.eligible(c, opts.Model) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		eligible = pool
	}

	// unhealthy credentials compete only when nothing healthy remains
	healthy := make([]*Credential, 0, len(eligible))
	for _, c := range eligible {
		if s.Health.Snapshot(provider, c.ID).Healthy() {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) > 0 {
		eligible = healthy
	}

	var picked *Credential
	switch s.Strategy {
	case StrategyRoundRobin:
		picked = s.roundRobin(provider, eligible)
	default:
		picked = s.hybrid(provider, eligible, opts.Model)
	}
	if picked == nil {
		return nil
	}

	if !s.Health.TryConsume(provider, picked.ID) {
		// bucket empty; retry without the refused credential
		if len(eligible) > 1 {
			rest := make([]*Credential, 0, len(eligible)-1)
			for _, c := range eligible {
				if c.ID != picked.ID {
					rest = append(rest, c)
				}
			}
			exclude := map[int64]bool{picked.ID: true}
			for id := range opts.Exclude {
				exclude[id] = true
			}
			return s.Select(ctx, provider, rest, SelectOptions{Model: opts.Model, Exclude: exclude})
		}
		log.Debugf("credential %d admitted with empty bucket, pool exhausted", picked.ID)
	}

	if s.Strategy == StrategySticky && opts.SessionID != "" && s.Sessions != nil {
		s.Sessions.Put(ctx, opts.SessionID, picked.ID)
	}
	return picked
}

func (s *Selector) eligible(c *Credential, model string) bool {
	v := s.Health.Snapshot(c.Provider, c.ID)
	if v.Paused(s.now()) {
		return false
	}
	if model != "" && s.Quota.Critical(c.ID, model) {
		return false
	}
	return true
}

func (s *Selector) hybrid(provider Provider, candidates []*Credential, model string) *Credential {
	var best *Credential
	var bestScore float64
	oldest, newest := s.useBounds(candidates)
	for _, c := range candidates {
		v := s.Health.Snapshot(provider, c.ID)
		score := s.Weights.Health*float64(v.Score) +
			s.Weights.Bucket*(v.Tokens/bucketCap*100) +
			s.Weights.Quota*s.Quota.Score(c.ID, model) +
			s.Weights.LRU*s.lruScore(c, oldest, newest)
		if best == nil || score > bestScore || (score == bestScore && c.ID < best.ID) {
			best, bestScore = c, score
		}
	}
	return best
}

// useBounds finds the last-used range so recency normalizes to 0..1.
func (s *Selector) useBounds(candidates []*Credential) (oldest, newest time.Time) {
	for _, c := range candidates {
		if oldest.IsZero() || c.LastUsedAt.Before(oldest) {
			oldest = c.LastUsedAt
		}
		if c.LastUsedAt.After(newest) {
			newest = c.LastUsedAt
		}
	}
	return oldest, newest
}

func (s *Selector) lruScore(c *Credential, oldest, newest time.Time) float64 {
	span := newest.Sub(oldest)
	if span <= 0 {
		return 100
	}
	age := float64(c.LastUsedAt.Sub(oldest)) / float64(span)
	return 100 * (1 - age)
}

func (s *Selector) roundRobin(provider Provider, candidates []*Credential) *Credential {
	sorted := make([]*Credential, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.rrIndex[provider] % len(sorted)
	s.rrIndex[provider]++
	return sorted[idx]
}
