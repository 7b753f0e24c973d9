package credential

import (
	"sync"
	"time"
)

const (
	healthInit       = 70
	healthMax        = 100
	healthyFloor     = 50
	successReward    = 1
	failurePenalty   = 20
	rateLimitPenalty = 10

	bucketCap       = 50.0
	bucketRefillMin = 6.0 // tokens per minute

	recoveryPerHour = 10
	rateHitWindow   = 10 * time.Minute
)

// backoffTiers advance with consecutive rate-limit hits inside rateHitWindow.
var backoffTiers = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

type healthKey struct {
	provider Provider
	id       int64
}

type healthRecord struct {
	score        int
	tokens       float64
	lastRefill   time.Time
	pausedUntil  time.Time
	lastErrClass string

	rateHits    int
	lastRateHit time.Time
	lastFailure time.Time
	lastRecover time.Time
}

// HealthView is a read snapshot of one record.
type HealthView struct {
	Score        int
	Tokens       float64
	PausedUntil  time.Time
	LastErrClass string
}

// Healthy reports whether the score clears the eligibility floor.
func (v HealthView) Healthy() bool { return v.Score >= healthyFloor }

// Paused reports whether the credential is in rate-limit backoff.
func (v HealthView) Paused(now time.Time) bool { return v.PausedUntil.After(now) }

const healthShards = 32

type healthShard struct {
	mu   sync.Mutex
	recs map[healthKey]*healthRecord
}

// HealthTracker keeps in-memory health state per (provider, credential).
// Records are created lazily and never deleted; penalties decay over time.
type HealthTracker struct {
	shards [healthShards]healthShard
	now    func() time.Time
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	t := &HealthTracker{now: time.Now}
	for i := range t.shards {
		t.shards[i].recs = make(map[healthKey]*healthRecord)
	}
	return t
}

func (t *HealthTracker) shard(k healthKey) *healthShard {
	h := uint64(k.id) * 0x9e3779b97f4a7c15
	return &t.shards[h%healthShards]
}

// locked runs fn with the record for (provider, id), creating it on first use.
func (t *HealthTracker) locked(provider Provider, id int64, fn func(r *healthRecord, now time.Time)) {
	k := healthKey{provider: provider, id: id}
	s := t.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[k]
	now := t.now()
	if !ok {
		r = &healthRecord{score: healthInit, tokens: bucketCap, lastRefill: now, lastRecover: now}
		s.recs[k] = r
	}
	r.settle(now)
	fn(r, now)
}

// settle applies lazy bucket refill and hourly score recovery.
func (r *healthRecord) settle(now time.Time) {
	if elapsed := now.Sub(r.lastRefill); elapsed > 0 {
		r.tokens += elapsed.Minutes() * bucketRefillMin
		if r.tokens > bucketCap {
			r.tokens = bucketCap
		}
		r.lastRefill = now
	}
	// no recovery while failures are still arriving
	base := r.lastRecover
	if r.lastFailure.After(base) {
		base = r.lastFailure
	}
	if hours := int(now.Sub(base).Hours()); hours > 0 && r.score < healthMax {
		r.score += hours * recoveryPerHour
		if r.score > healthMax {
			r.score = healthMax
		}
		r.lastRecover = now
	}
}

// Snapshot returns the current view, applying lazy decay first.
func (t *HealthTracker) Snapshot(provider Provider, id int64) HealthView {
	var v HealthView
	t.locked(provider, id, func(r *healthRecord, _ time.Time) {
		v = HealthView{
			Score:        r.score,
			Tokens:       r.tokens,
			PausedUntil:  r.pausedUntil,
			LastErrClass: r.lastErrClass,
		}
	})
	return v
}

// TryConsume takes one admission token. It returns false when the bucket is
// empty; the caller treats that credential as unhealthy for this selection.
func (t *HealthTracker) TryConsume(provider Provider, id int64) bool {
	ok := false
	t.locked(provider, id, func(r *healthRecord, _ time.Time) {
		if r.tokens >= 1 {
			r.tokens--
			ok = true
		}
	})
	return ok
}

// RecordSuccess rewards the credential and clears any rate-limit pause.
func (t *HealthTracker) RecordSuccess(provider Provider, id int64) {
	t.locked(provider, id, func(r *healthRecord, _ time.Time) {
		r.score += successReward
		if r.score > healthMax {
			r.score = healthMax
		}
		r.pausedUntil = time.Time{}
		r.rateHits = 0
		r.lastErrClass = ""
	})
}

// RecordFailure penalizes a non-rate-limit failure.
func (t *HealthTracker) RecordFailure(provider Provider, id int64, errClass string) {
	t.locked(provider, id, func(r *healthRecord, now time.Time) {
		r.score -= failurePenalty
		if r.score < 0 {
			r.score = 0
		}
		r.lastErrClass = errClass
		r.lastFailure = now
	})
}

// RecordRateLimit penalizes a 429 and advances the backoff tier when hits
// land inside the 10-minute window.
func (t *HealthTracker) RecordRateLimit(provider Provider, id int64) {
	t.locked(provider, id, func(r *healthRecord, now time.Time) {
		r.score -= rateLimitPenalty
		if r.score < 0 {
			r.score = 0
		}
		if now.Sub(r.lastRateHit) > rateHitWindow {
			r.rateHits = 0
		}
		tier := r.rateHits
		if tier >= len(backoffTiers) {
			tier = len(backoffTiers) - 1
		}
		r.pausedUntil = now.Add(backoffTiers[tier])
		r.rateHits++
		r.lastRateHit = now
		r.lastFailure = now
		r.lastErrClass = "rate_limit"
	})
}
