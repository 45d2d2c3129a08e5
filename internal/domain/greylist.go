package domain

import (
	"context"
	"time"
)

// GreylistEntry is the scheduled-retry state for the greylisted subset of a
// request. Returned flips in the database before memory on every transition.
type GreylistEntry struct {
	RequestID         string    `json:"request_id"`
	Emails            []string  `json:"emails"`
	RetryCount        int       `json:"retry_count"`
	LastTriedAt       time.Time `json:"last_tried_at"`
	MaxRetriesReached bool      `json:"max_retries_reached"`
	Returned          bool      `json:"returned"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Ripe reports whether the entry is due for another retry at now.
func (e *GreylistEntry) Ripe(backoff time.Duration, now time.Time) bool {
	return !e.Returned && !e.MaxRetriesReached && !now.Before(e.LastTriedAt.Add(backoff))
}

// GreylistRepository persists the anti-greylisting table.
type GreylistRepository interface {
	// Upsert writes the entry, replacing any previous row.
	Upsert(ctx context.Context, entry *GreylistEntry) error

	// Get returns the entry or *ErrNotFound.
	Get(ctx context.Context, requestID string) (*GreylistEntry, error)

	// MarkReturned flips returned=true and records the retry bookkeeping.
	// Must be called before the in-memory flip.
	MarkReturned(ctx context.Context, requestID string, retryCount int, lastTriedAt time.Time) error

	// MarkMaxRetriesReached flips max_retries_reached=true and returned=true.
	MarkMaxRetriesReached(ctx context.Context, requestID string) error

	// Delete removes the entry. Idempotent.
	Delete(ctx context.Context, requestID string) error

	// List returns every entry, for startup recovery.
	List(ctx context.Context) ([]*GreylistEntry, error)
}
