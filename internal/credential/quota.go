package credential

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	quotaUnknownScore = 50.0
	quotaStaleAfter   = 5 * time.Minute
	quotaStalePenalty = 0.9

	// exclusion thresholds on remaining fraction
	quotaCritical = 0.05
	quotaLow      = 0.20
)

type quotaSnap struct {
	models    map[string]ModelQuota
	fetchedAt time.Time
}

// QuotaFetcher pulls provider-reported usage limits for one credential.
// Providers without a usage endpoint return (nil, nil).
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, cred *Credential) (map[string]ModelQuota, error)
}

// QuotaTracker caches per-credential, per-model remaining-quota snapshots and
// scores them for selection.
type QuotaTracker struct {
	mu    sync.RWMutex
	snaps map[int64]*quotaSnap
	now   func() time.Time
}

// NewQuotaTracker creates an empty tracker.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{snaps: make(map[int64]*quotaSnap), now: time.Now}
}

// Update replaces the snapshot for a credential.
func (t *QuotaTracker) Update(id int64, models map[string]ModelQuota) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snaps[id] = &quotaSnap{models: models, fetchedAt: t.now()}
}

// Fraction returns the remaining fraction for (credential, model), and
// whether a snapshot exists. Past-reset snapshots read as fully replenished.
func (t *QuotaTracker) Fraction(id int64, model string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snaps[id]
	if !ok {
		return 0, false
	}
	q, ok := snap.models[model]
	if !ok {
		return 0, false
	}
	if !q.ResetTime.IsZero() && !q.ResetTime.After(t.now()) {
		return 1, true
	}
	return q.RemainingFraction, true
}

// Score returns the 0..100 selection term: 100·remainingFraction, 50 when
// unknown, with a 10% penalty when the snapshot is older than five minutes.
func (t *QuotaTracker) Score(id int64, model string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snaps[id]
	if !ok {
		return quotaUnknownScore
	}
	score := quotaUnknownScore
	if q, found := snap.models[model]; found {
		if !q.ResetTime.IsZero() && !q.ResetTime.After(t.now()) {
			score = 100
		} else {
			score = 100 * q.RemainingFraction
		}
	}
	if t.now().Sub(snap.fetchedAt) > quotaStaleAfter {
		score *= quotaStalePenalty
	}
	return score
}

// Critical reports whether the model's remaining fraction is at or below the
// hard-exclusion threshold. Unknown quota is never critical.
func (t *QuotaTracker) Critical(id int64, model string) bool {
	f, ok := t.Fraction(id, model)
	return ok && f <= quotaCritical
}

// Low reports whether the remaining fraction warrants a warning.
func (t *QuotaTracker) Low(id int64, model string) bool {
	f, ok := t.Fraction(id, model)
	return ok && f <= quotaLow
}

// QuotaPoller periodically pulls usage limits for every active credential and
// feeds the tracker plus the store's persisted quotaData.
type QuotaPoller struct {
	Store    Store
	Tracker  *QuotaTracker
	Fetchers map[Provider]QuotaFetcher
	Interval time.Duration
}

// Run polls until ctx is done.
func (p *QuotaPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *QuotaPoller) poll(ctx context.Context) {
	for provider, fetcher := range p.Fetchers {
		creds, err := p.Store.ListPool(ctx, provider)
		if err != nil {
			log.WithError(err).Warnf("quota poll: listing %s pool failed", provider)
			continue
		}
		for _, cred := range creds {
			models, err := fetcher.FetchQuota(ctx, cred)
			if err != nil {
				log.WithError(err).Debugf("quota poll: credential %d fetch failed", cred.ID)
				continue
			}
			if models == nil {
				continue
			}
			p.Tracker.Update(cred.ID, models)
			if err := p.Store.UpdateQuota(ctx, cred.ID, models); err != nil {
				log.WithError(err).Warnf("quota poll: persisting credential %d failed", cred.ID)
			}
		}
	}
}
