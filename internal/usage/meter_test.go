package usage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"poly2api-go/internal/apikey"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/translator"
)

type memLogs struct {
	rows   map[int64]*RequestLog
	nextID int64
}

func newMemLogs() *memLogs {
	return &memLogs{rows: make(map[int64]*RequestLog), nextID: 1}
}

func (s *memLogs) Insert(_ context.Context, row *RequestLog) (int64, error) {
	cp := *row
	cp.ID = s.nextID
	s.rows[cp.ID] = &cp
	s.nextID++
	return cp.ID, nil
}

func (s *memLogs) Complete(_ context.Context, id int64, upd *Completion) error {
	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("row %d not found", id)
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

func (s *memLogs) WindowStats(_ context.Context, keyID int64, since time.Time) (Stats, error) {
	var out Stats
	for _, row := range s.rows {
		if row.APIKeyID == keyID && !row.StartedAt.Before(since) {
			out.Requests++
			out.Cost += row.Cost
		}
	}
	return out, nil
}

func (s *memLogs) TotalStats(_ context.Context, keyID int64) (Stats, error) {
	var out Stats
	for _, row := range s.rows {
		if row.APIKeyID == keyID {
			out.Requests++
			out.Cost += row.Cost
		}
	}
	return out, nil
}

func (s *memLogs) Purge(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for id, row := range s.rows {
		if row.StartedAt.Before(before) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func newTestMeter(t *testing.T, at time.Time) (*Meter, *memLogs) {
	t.Helper()
	logs := newMemLogs()
	m := NewMeter(logs, NewPricing(nil, "", nil))
	m.now = func() time.Time { return at }
	return m, logs
}

func seedRows(logs *memLogs, keyID int64, at time.Time, n int, costEach float64) {
	for i := 0; i < n; i++ {
		id, _ := logs.Insert(context.Background(), &RequestLog{APIKeyID: keyID, StartedAt: at})
		logs.rows[id].Cost = costEach
	}
}

func TestPreCheckUnlimitedKey(t *testing.T) {
	m, logs := newTestMeter(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	seedRows(logs, 1, time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), 1000, 5)
	require.NoError(t, m.PreCheck(context.Background(), &apikey.APIKey{ID: 1}))
}

func TestPreCheckDailyRequestLimit(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	m, logs := newTestMeter(t, now)
	key := &apikey.APIKey{ID: 1, DailyRequestLimit: 10}

	seedRows(logs, 1, now.Add(-time.Hour), 9, 0)
	require.NoError(t, m.PreCheck(context.Background(), key))

	seedRows(logs, 1, now.Add(-time.Minute), 1, 0)
	err := m.PreCheck(context.Background(), key)
	require.Equal(t, apperrors.KindLimitExceeded, apperrors.KindOf(err))
	require.Contains(t, err.Error(), "Daily request limit reached (10)")
}

func TestPreCheckDailyWindowResetsAtMidnightUTC(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC)
	m, logs := newTestMeter(t, now)
	key := &apikey.APIKey{ID: 1, DailyRequestLimit: 5}

	// yesterday's rows do not count against today
	seedRows(logs, 1, time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC), 20, 0)
	require.NoError(t, m.PreCheck(context.Background(), key))
}

func TestPreCheckMonthlyCostLimit(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	m, logs := newTestMeter(t, now)
	key := &apikey.APIKey{ID: 1, MonthlyCostLimit: 25}

	seedRows(logs, 1, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), 5, 5)
	err := m.PreCheck(context.Background(), key)
	require.Equal(t, apperrors.KindLimitExceeded, apperrors.KindOf(err))
	require.Contains(t, err.Error(), "Monthly cost limit reached ($25.00)")
}

func TestPreCheckTotalLimitSpansMonths(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	m, logs := newTestMeter(t, now)
	key := &apikey.APIKey{ID: 1, TotalRequestLimit: 3}

	seedRows(logs, 1, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), 3, 0)
	err := m.PreCheck(context.Background(), key)
	require.Contains(t, err.Error(), "Total request limit reached (3)")
}

func TestPreCheckIgnoresOtherKeys(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	m, logs := newTestMeter(t, now)
	seedRows(logs, 2, now.Add(-time.Hour), 50, 10)
	require.NoError(t, m.PreCheck(context.Background(), &apikey.APIKey{ID: 1, DailyRequestLimit: 10}))
}

func TestBeginFinishSettlesRow(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	m, logs := newTestMeter(t, now)

	id := m.Begin(context.Background(), &RequestLog{APIKeyID: 1, Provider: "kiro", Model: "claude-sonnet-4-5"})
	require.NotZero(t, id)
	require.Nil(t, logs.rows[id].CompletedAt)

	m.Finish(context.Background(), id, "claude-sonnet-4-5",
		translator.Usage{InputTokens: 1000, OutputTokens: 500}, 200, "")

	row := logs.rows[id]
	require.NotNil(t, row.CompletedAt)
	require.Equal(t, 200, row.StatusCode)
	require.Equal(t, 1000, row.InputTokens)
	// 1000/1e6*3 + 500/1e6*15
	require.InDelta(t, 0.0105, row.Cost, 1e-9)
}

func TestFinishZeroIDIsNoop(t *testing.T) {
	m, logs := newTestMeter(t, time.Now())
	m.Finish(context.Background(), 0, "m", translator.Usage{}, 200, "")
	require.Empty(t, logs.rows)
}

func TestPurgeDropsOldRows(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	_, logs := newTestMeter(t, now)
	seedRows(logs, 1, now.AddDate(0, 0, -40), 3, 0)
	seedRows(logs, 1, now.AddDate(0, 0, -5), 2, 0)

	n, err := logs.Purge(context.Background(), now.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.Len(t, logs.rows, 2)
}
