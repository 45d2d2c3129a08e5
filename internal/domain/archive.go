package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ArchiveEntry accumulates already-verified records for a request that was
// split by greylisting. Emails always carries the original full list so the
// remaining set stays computable.
type ArchiveEntry struct {
	RequestID   string                         `json:"request_id"`
	Emails      []string                       `json:"emails"`
	Result      map[string]*VerificationRecord `json:"result"`
	ResponseURL string                         `json:"response_url"`
	CreatedAt   time.Time                      `json:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at"`
}

// NewArchiveEntry creates an entry for the original request.
func NewArchiveEntry(req *Request) *ArchiveEntry {
	return &ArchiveEntry{
		RequestID:   req.RequestID,
		Emails:      append([]string(nil), req.Emails...),
		Result:      make(map[string]*VerificationRecord),
		ResponseURL: req.ResponseURL,
	}
}

// Merge folds new worker output into the entry. When an email exists on both
// sides the newer record wins, by probe timestamp.
func (e *ArchiveEntry) Merge(records []*VerificationRecord) {
	if e.Result == nil {
		e.Result = make(map[string]*VerificationRecord)
	}
	for _, rec := range records {
		old, ok := e.Result[rec.Email]
		if !ok || !rec.CheckedAt.Before(old.CheckedAt) {
			e.Result[rec.Email] = rec
		}
	}
}

// Remaining computes all − verified − greylisted, preserving original order.
func (e *ArchiveEntry) Remaining(greylisted []string) []string {
	grey := make(map[string]struct{}, len(greylisted))
	for _, email := range greylisted {
		grey[email] = struct{}{}
	}
	var remaining []string
	for _, email := range e.Emails {
		if _, ok := e.Result[email]; ok {
			continue
		}
		if _, ok := grey[email]; ok {
			continue
		}
		remaining = append(remaining, email)
	}
	return remaining
}

// OrderedResults returns the verified records in original email order.
// Emails without a record are skipped.
func (e *ArchiveEntry) OrderedResults() []*VerificationRecord {
	out := make([]*VerificationRecord, 0, len(e.Result))
	for _, email := range e.Emails {
		if rec, ok := e.Result[email]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// ArchiveRow is a raw archive table row. Startup recovery validates the JSON
// columns before trusting them; rows that fail validation mark the owning
// request failed.
type ArchiveRow struct {
	RequestID   string
	Emails      json.RawMessage
	Result      json.RawMessage
	ResponseURL string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ArchiveRepository persists the archive table. The controller is the only
// mutator outside startup recovery.
type ArchiveRepository interface {
	// Upsert writes the entry, replacing any previous row.
	Upsert(ctx context.Context, entry *ArchiveEntry) error

	// Get returns the entry or *ErrNotFound.
	Get(ctx context.Context, requestID string) (*ArchiveEntry, error)

	// Delete removes the entry. Idempotent.
	Delete(ctx context.Context, requestID string) error

	// ListRaw returns every row without decoding the JSON columns, for the
	// recovery validity check.
	ListRaw(ctx context.Context) ([]*ArchiveRow, error)
}
