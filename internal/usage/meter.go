package usage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"poly2api-go/internal/apikey"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/translator"
)

// Meter enforces per-key usage ceilings and keeps the request log. Limit
// windows are calendar UTC: the day resets at 00:00 UTC, the month on the
// first.
type Meter struct {
	logs    LogStore
	pricing *Pricing
	now     func() time.Time
}

// NewMeter wires a meter over the log store and pricing cascade.
func NewMeter(logs LogStore, pricing *Pricing) *Meter {
	return &Meter{logs: logs, pricing: pricing, now: time.Now}
}

func dayStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PreCheck rejects the request if any of the key's ceilings is already met.
// Limits of zero are unlimited. Stats lookups are skipped for windows with no
// configured limit.
func (m *Meter) PreCheck(ctx context.Context, key *apikey.APIKey) error {
	now := m.now().UTC()

	if key.DailyRequestLimit > 0 || key.DailyCostLimit > 0 {
		stats, err := m.logs.WindowStats(ctx, key.ID, dayStart(now))
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "usage lookup", err)
		}
		if key.DailyRequestLimit > 0 && stats.Requests >= key.DailyRequestLimit {
			return apperrors.Newf(apperrors.KindLimitExceeded,
				"Daily request limit reached (%d)", key.DailyRequestLimit)
		}
		if key.DailyCostLimit > 0 && stats.Cost >= key.DailyCostLimit {
			return apperrors.Newf(apperrors.KindLimitExceeded,
				"Daily cost limit reached ($%.2f)", key.DailyCostLimit)
		}
	}

	if key.MonthlyRequestLimit > 0 || key.MonthlyCostLimit > 0 {
		stats, err := m.logs.WindowStats(ctx, key.ID, monthStart(now))
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "usage lookup", err)
		}
		if key.MonthlyRequestLimit > 0 && stats.Requests >= key.MonthlyRequestLimit {
			return apperrors.Newf(apperrors.KindLimitExceeded,
				"Monthly request limit reached (%d)", key.MonthlyRequestLimit)
		}
		if key.MonthlyCostLimit > 0 && stats.Cost >= key.MonthlyCostLimit {
			return apperrors.Newf(apperrors.KindLimitExceeded,
				"Monthly cost limit reached ($%.2f)", key.MonthlyCostLimit)
		}
	}

	if key.TotalRequestLimit > 0 || key.TotalCostLimit > 0 {
		stats, err := m.logs.TotalStats(ctx, key.ID)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "usage lookup", err)
		}
		if key.TotalRequestLimit > 0 && stats.Requests >= key.TotalRequestLimit {
			return apperrors.Newf(apperrors.KindLimitExceeded,
				"Total request limit reached (%d)", key.TotalRequestLimit)
		}
		if key.TotalCostLimit > 0 && stats.Cost >= key.TotalCostLimit {
			return apperrors.Newf(apperrors.KindLimitExceeded,
				"Total cost limit reached ($%.2f)", key.TotalCostLimit)
		}
	}
	return nil
}

// Begin inserts the open request row. A failed insert is logged but does not
// block the request; the returned id is then zero and Finish becomes a no-op.
func (m *Meter) Begin(ctx context.Context, row *RequestLog) int64 {
	row.StartedAt = m.now().UTC()
	id, err := m.logs.Insert(ctx, row)
	if err != nil {
		log.WithError(err).Warn("request log insert failed")
		return 0
	}
	return id
}

// Finish settles the row: computes cost from the resolved model price and
// records tokens, status, and any error message.
func (m *Meter) Finish(ctx context.Context, id int64, model string, u translator.Usage, status int, errMsg string) {
	if id == 0 {
		return
	}
	price := m.pricing.Resolve(ctx, model)
	upd := &Completion{
		CompletedAt:      m.now().UTC(),
		StatusCode:       status,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		Cost:             m.pricing.Cost(price, u),
		ErrorMessage:     errMsg,
	}
	if err := m.logs.Complete(ctx, id, upd); err != nil {
		log.WithError(err).Warnf("request log %d completion failed", id)
	}
}

// PurgeLoop deletes rows older than ttl at the given interval until ctx is
// done. A non-positive ttl disables purging.
func (m *Meter) PurgeLoop(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.logs.Purge(ctx, m.now().UTC().Add(-ttl))
			if err != nil {
				log.WithError(err).Warn("request log purge failed")
			} else if n > 0 {
				log.Infof("purged %d request log rows", n)
			}
		}
	}
}
