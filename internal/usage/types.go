package usage

import (
	"context"
	"time"
)

// RequestLog is one request's accounting row. It is inserted when the
// request is admitted and updated when it completes; a crash between the two
// leaves an open row, which is still billable evidence. Instants are UTC.
type RequestLog struct {
	ID           int64
	APIKeyID     int64
	CredentialID int64
	Provider     string
	Model        string
	ClientIP     string
	Stream       bool
	StartedAt    time.Time
	CompletedAt  *time.Time
	StatusCode   int

	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	Cost             float64
	ErrorMessage     string
}

// Completion carries the fields settled when a request finishes.
type Completion struct {
	CompletedAt      time.Time
	StatusCode       int
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	Cost             float64
	ErrorMessage     string
}

// Stats aggregates request count and cost over a window.
type Stats struct {
	Requests int64
	Cost     float64
}

// LogStore is the request-log persistence boundary.
type LogStore interface {
	Insert(ctx context.Context, row *RequestLog) (int64, error)
	Complete(ctx context.Context, id int64, upd *Completion) error
	// WindowStats aggregates one key's rows started at or after since.
	WindowStats(ctx context.Context, keyID int64, since time.Time) (Stats, error)
	// TotalStats aggregates one key's rows over all time.
	TotalStats(ctx context.Context, keyID int64) (Stats, error)
	// Purge deletes rows started before the cutoff, returning the count.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
